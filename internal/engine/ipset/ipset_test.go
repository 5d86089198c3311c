package ipset

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_AddressesAndPrefixes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.txt")
	content := "# bad actors\n1.2.3.4\n\n10.20.0.0/16, scanner net\nnot-an-address\n2001:db8::1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	set, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, set.Len())
	assert.True(t, set.Contains(netip.MustParseAddr("1.2.3.4")))
	assert.True(t, set.Contains(netip.MustParseAddr("10.20.99.1")))
	assert.True(t, set.Contains(netip.MustParseAddr("::ffff:1.2.3.4")))
	assert.True(t, set.Contains(netip.MustParseAddr("2001:db8::1")))
	assert.False(t, set.Contains(netip.MustParseAddr("1.2.3.5")))
	assert.False(t, set.Contains(netip.Addr{}))
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestShared_ReloadFailureKeepsPreviousSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "list.txt")
	require.NoError(t, os.WriteFile(path, []byte("9.9.9.9\n"), 0o644))

	shared := NewShared(nil)
	assert.False(t, shared.Contains(netip.MustParseAddr("9.9.9.9")))
	require.NoError(t, shared.Reload(path))
	assert.True(t, shared.Contains(netip.MustParseAddr("9.9.9.9")))

	require.Error(t, shared.Reload(filepath.Join(dir, "missing.txt")))
	assert.True(t, shared.Contains(netip.MustParseAddr("9.9.9.9")))
	assert.Equal(t, 1, shared.Len())
}

func TestShared_MatchesAndFirst(t *testing.T) {
	shared := NewShared(New([]netip.Addr{netip.MustParseAddr("5.5.5.5")}, nil))
	a, b := netip.MustParseAddr("1.1.1.1"), netip.MustParseAddr("5.5.5.5")

	assert.Equal(t, 1, shared.Matches(a, b))
	assert.Equal(t, 2, shared.Matches(b, b))
	assert.Equal(t, 1, shared.First(a, b))
	assert.Equal(t, -1, shared.First(a))
}
