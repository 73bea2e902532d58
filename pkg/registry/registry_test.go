package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagers/ops-platform/pkg/actionbus"
)

func TestNew_MissingFileUsesDefaults(t *testing.T) {
	r, err := New(filepath.Join(t.TempDir(), "nope.yaml"), time.Hour)
	require.NoError(t, err)
	rule, ok := r.Autonomy("send_refund")
	require.True(t, ok)
	assert.Equal(t, actionbus.CRITICAL, rule.Level)
}

func TestNew_OverlayMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
autonomy:
  send_refund:
    level: DRAFT
    max_per_hour: 1
branches:
  main:
    name: Flagship
localized:
  es:
    greeting: Hola
`), 0o644))

	r, err := New(path, time.Hour)
	require.NoError(t, err)

	rule, ok := r.Autonomy("send_refund")
	require.True(t, ok)
	assert.Equal(t, actionbus.DRAFT, rule.Level)

	_, ok = r.Autonomy("cancel_order")
	assert.True(t, ok, "unrelated default entries survive the overlay merge")

	b, ok := r.Branch("main")
	require.True(t, ok)
	assert.Equal(t, "Flagship", b.Name)

	assert.Equal(t, "Hola", r.Localized("es", "greeting"))
	assert.Equal(t, "missing_key", r.Localized("es", "missing_key"))
}

func TestRegistry_RefreshPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("blocklist: ['+1000']\n"), 0o644))

	r, err := New(path, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"+1000"}, r.StaticBlocklist())

	require.NoError(t, os.WriteFile(path, []byte("blocklist: ['+2000']\n"), 0o644))
	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		bl := r.StaticBlocklist()
		return len(bl) > 0 && bl[len(bl)-1] == "+2000"
	}, time.Second, 10*time.Millisecond)
}
