// Package registry is the read-through configuration collaborator:
// detectors, routing policies, autonomy levels, branch
// metadata, and localization strings. It is distinct from pkg/config (the
// process's own startup settings) because it is hot-reloadable — a
// background refresh task re-reads its YAML source on a fixed interval and
// consumers always read the latest snapshot via an atomic pointer swap, so
// a reload never blocks a reader. Built-in defaults are merged with the
// YAML overlay on every refresh tick.
// Defaults are baked in so the system is resilient when the YAML source is
// unreachable or absent.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tagers/ops-platform/pkg/actionbus"
	"github.com/tagers/ops-platform/pkg/config"
	"github.com/tagers/ops-platform/pkg/detector"
)

// AutonomyRule configures one action type's gate. It carries only the
// declarative part of actionbus.TypeConfig (level + limits + expiry) — the
// Handler/Plan callbacks are code, registered by the owning component at
// startup via Bus.RegisterType; ApplyTo merges this rule onto a TypeConfig
// that already carries those callbacks.
type AutonomyRule struct {
	Level      actionbus.AutonomyLevel `yaml:"level"`
	MaxPerHour int64                   `yaml:"max_per_hour"`
	MaxPerDay  int64                   `yaml:"max_per_day"`
	ExpiresIn  string                  `yaml:"expires_in"`
}

// ApplyTo overlays this rule's level/limits/expiry onto cfg, preserving
// cfg's Handler/Plan.
func (r AutonomyRule) ApplyTo(cfg actionbus.TypeConfig) actionbus.TypeConfig {
	cfg.Level = r.Level
	cfg.MaxPerHour = r.MaxPerHour
	cfg.MaxPerDay = r.MaxPerDay
	if r.ExpiresIn != "" {
		if d, err := time.ParseDuration(r.ExpiresIn); err == nil {
			cfg.ExpiresIn = d
		}
	}
	return cfg
}

// BranchMeta is opaque per-branch metadata (name, timezone override, …)
// consumed by detectors that scope to a branch.
type BranchMeta struct {
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone,omitempty"`
}

// Document is the YAML file shape. Everything is optional; absent sections
// fall back to Defaults().
type Document struct {
	Detectors  map[string]detector.DetectorSpec `yaml:"detectors"`
	Autonomy   map[string]AutonomyRule          `yaml:"autonomy"`
	Branches   map[string]BranchMeta            `yaml:"branches"`
	Localized  map[string]map[string]string     `yaml:"localized"` // locale -> key -> string
	Blocklist  []string                         `yaml:"blocklist"`
}

// snapshot is the immutable value swapped atomically on each reload.
type snapshot struct {
	doc Document
}

// Registry is the hot-reloadable read-through accessor. Construct with New,
// call Start to begin the periodic refresh, Stop to end it.
type Registry struct {
	path    string
	refresh time.Duration
	current atomic.Pointer[snapshot]
	stopCh  chan struct{}
}

// New loads the registry once synchronously (so startup fails loudly on a
// malformed file) and returns a Registry ready for Start.
func New(path string, refresh time.Duration) (*Registry, error) {
	r := &Registry{path: path, refresh: refresh, stopCh: make(chan struct{})}
	doc, err := load(path)
	if err != nil {
		return nil, err
	}
	r.current.Store(&snapshot{doc: doc})
	return r, nil
}

// Start begins the periodic refresh loop. Safe to call once; call Stop on
// shutdown.
func (r *Registry) Start() {
	go func() {
		ticker := time.NewTicker(r.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				doc, err := load(r.path)
				if err != nil {
					slog.Warn("registry refresh failed, keeping previous snapshot", "path", r.path, "error", err)
					continue
				}
				r.current.Store(&snapshot{doc: doc})
				slog.Info("registry refreshed", "path", r.path)
			}
		}
	}()
}

// Stop ends the refresh loop.
func (r *Registry) Stop() { close(r.stopCh) }

func (r *Registry) doc() Document { return r.current.Load().doc }

// Detectors returns every registered detector spec, active or not.
func (r *Registry) Detectors() map[string]detector.DetectorSpec { return r.doc().Detectors }

// Detector looks up one detector by id.
func (r *Registry) Detector(id string) (detector.DetectorSpec, bool) {
	d, ok := r.doc().Detectors[id]
	return d, ok
}

// Autonomy looks up the configured autonomy rule for an action type. The
// caller applies it onto a TypeConfig that already carries the Handler/Plan
// callbacks via AutonomyRule.ApplyTo. An unconfigured action type is
// reported via ok=false so the caller can refuse to register it rather than
// silently default to AUTO.
func (r *Registry) Autonomy(actionType string) (AutonomyRule, bool) {
	rule, ok := r.doc().Autonomy[actionType]
	return rule, ok
}

// Branch looks up branch metadata by id.
func (r *Registry) Branch(id string) (BranchMeta, bool) {
	b, ok := r.doc().Branches[id]
	return b, ok
}

// Localized returns the string for key in locale, falling back to "en",
// then to key itself so a missing translation never surfaces an empty
// message to a user.
func (r *Registry) Localized(locale, key string) string {
	doc := r.doc()
	if table, ok := doc.Localized[locale]; ok {
		if s, ok := table[key]; ok {
			return s
		}
	}
	if table, ok := doc.Localized["en"]; ok {
		if s, ok := table[key]; ok {
			return s
		}
	}
	return key
}

// StaticBlocklist is the policy-config tier of the blocklist resolution
// order (live KV entries first, this second, env-derived default last).
func (r *Registry) StaticBlocklist() []string { return r.doc().Blocklist }

// load reads the YAML file at path, env-expanding it first, and merges it
// over Defaults(). A missing file is not an error — defaults keep the
// system usable when the source is unreachable.
func load(path string) (Document, error) {
	doc := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return Document{}, fmt.Errorf("reading registry file %s: %w", path, err)
	}
	data = config.ExpandEnv(data)

	var overlay Document
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Document{}, fmt.Errorf("parsing registry file %s: %w", path, err)
	}
	mergeInto(&doc, overlay)
	return doc, nil
}

func mergeInto(base *Document, overlay Document) {
	for k, v := range overlay.Detectors {
		if base.Detectors == nil {
			base.Detectors = map[string]detector.DetectorSpec{}
		}
		base.Detectors[k] = v
	}
	for k, v := range overlay.Autonomy {
		if base.Autonomy == nil {
			base.Autonomy = map[string]AutonomyRule{}
		}
		base.Autonomy[k] = v
	}
	for k, v := range overlay.Branches {
		if base.Branches == nil {
			base.Branches = map[string]BranchMeta{}
		}
		base.Branches[k] = v
	}
	for locale, table := range overlay.Localized {
		if base.Localized == nil {
			base.Localized = map[string]map[string]string{}
		}
		if base.Localized[locale] == nil {
			base.Localized[locale] = map[string]string{}
		}
		for k, v := range table {
			base.Localized[locale][k] = v
		}
	}
	if len(overlay.Blocklist) > 0 {
		base.Blocklist = append(append([]string{}, base.Blocklist...), overlay.Blocklist...)
	}
}

// registryFilePath is the conventional filename looked for under
// Config.ConfigDir.
func registryFilePath(configDir string) string {
	return filepath.Join(configDir, "registry.yaml")
}

// NewFromConfig is the usual constructor: resolves the file path from
// cfg.ConfigDir and uses cfg.RegistryRefresh as the reload cadence.
func NewFromConfig(cfg *config.Config) (*Registry, error) {
	return New(registryFilePath(cfg.ConfigDir), cfg.RegistryRefresh)
}
