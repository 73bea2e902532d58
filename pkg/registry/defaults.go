package registry

import (
	"github.com/tagers/ops-platform/pkg/actionbus"
	"github.com/tagers/ops-platform/pkg/detector"
)

// Defaults returns the baked-in fallback registry document, used whenever
// the YAML source is absent or unreachable.
func Defaults() Document {
	return Document{
		Detectors: map[string]detector.DetectorSpec{},
		Autonomy: map[string]AutonomyRule{
			"send_refund":        {Level: actionbus.CRITICAL, MaxPerHour: 5, MaxPerDay: 20, ExpiresIn: "24h"},
			"cancel_order":       {Level: actionbus.APPROVAL, MaxPerHour: 10, MaxPerDay: 50, ExpiresIn: "24h"},
			"send_discount_code": {Level: actionbus.DRAFT, MaxPerHour: 20, MaxPerDay: 100, ExpiresIn: "12h"},
			"post_internal_note": {Level: actionbus.AUTO, MaxPerHour: 100, MaxPerDay: 1000},
		},
		Branches:  map[string]BranchMeta{},
		Localized: map[string]map[string]string{"en": {}},
		Blocklist: nil,
	}
}
