package blocklist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagers/ops-platform/pkg/kv"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "+15551234567", Normalize(" +1 (555) 123-4567"))
	assert.Equal(t, "foo@bar.com", Normalize(" Foo@Bar.com "))
}

type staticSrc struct{ list []string }

func (s staticSrc) StaticBlocklist() []string { return s.list }

func TestList_TieredResolution(t *testing.T) {
	store := kv.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	l := New(store, staticSrc{list: []string{"+15550000000"}})

	blocked, source := l.Check(context.Background(), "+1 555 000 0000")
	assert.True(t, blocked)
	assert.Equal(t, "policy_config", source)

	blocked, _ = l.Check(context.Background(), "+19998887777")
	assert.False(t, blocked)

	require.NoError(t, l.Add(context.Background(), "+19998887777"))
	blocked, source = l.Check(context.Background(), "+1 999 888 7777")
	assert.True(t, blocked)
	assert.Equal(t, "kv", source)

	removed, err := l.Remove(context.Background(), "+19998887777")
	require.NoError(t, err)
	assert.True(t, removed)
	blocked, _ = l.Check(context.Background(), "+19998887777")
	assert.False(t, blocked)
}

func TestList_IsBlocked_MatchesDispatchInterface(t *testing.T) {
	store := kv.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	l := New(store, staticSrc{})

	blocked, err := l.IsBlocked(Normalize("+15550000000"))
	require.NoError(t, err)
	assert.False(t, blocked)
}
