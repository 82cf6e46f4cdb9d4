package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFragments(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func loadStore(t *testing.T, files map[string]string) *Store {
	t.Helper()
	store, err := Load(writeFragments(t, files))
	require.NoError(t, err)
	return store
}

func TestAssembleOrderAndParts(t *testing.T) {
	store := loadStore(t, map[string]string{
		"base_identity.md":     "You are a financial research assistant.",
		"default.md":           "Generic site guidance.",
		"finance.yahoo.com.md": "Yahoo Finance guidance.",
	})
	a := NewAssembler(store)

	out := a.Assemble(Params{
		Host:      "finance.yahoo.com",
		UserTZ:    "America/New_York",
		UserClock: time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC),
		Override:  "Focus on the earnings table.",
	})

	base := "You are a financial research assistant."
	site := "Yahoo Finance guidance."
	override := "Focus on the earnings table."
	assert.Contains(t, out, base)
	assert.Contains(t, out, site)
	assert.Contains(t, out, "America/New_York")
	assert.Contains(t, out, override)

	// base < site < time < override, in that order
	assert.Less(t, strings.Index(out, base), strings.Index(out, site))
	assert.Less(t, strings.Index(out, site), strings.Index(out, "America/New_York"))
	assert.Less(t, strings.Index(out, "America/New_York"), strings.Index(out, override))
}

func TestHostSuffixMatching(t *testing.T) {
	store := loadStore(t, map[string]string{
		"base_identity.md":     "base",
		"default.md":           "default fragment",
		"finance.yahoo.com.md": "yahoo fragment",
	})

	// Exact host and subdomain both resolve the registered suffix.
	assert.Equal(t, "yahoo fragment", store.siteFragmentFor("finance.yahoo.com"))
	assert.Equal(t, "yahoo fragment", store.siteFragmentFor("ca.finance.yahoo.com"))

	// Unknown host falls back to the default fragment.
	assert.Equal(t, "default fragment", store.siteFragmentFor("example.com"))

	// A host that merely contains the suffix mid-string must not match.
	assert.Equal(t, "default fragment", store.siteFragmentFor("finance.yahoo.com.evil.example"))
}

func TestLongestSuffixWins(t *testing.T) {
	store := loadStore(t, map[string]string{
		"yahoo.com.md":         "broad",
		"finance.yahoo.com.md": "specific",
	})
	assert.Equal(t, "specific", store.siteFragmentFor("ca.finance.yahoo.com"))
	assert.Equal(t, "broad", store.siteFragmentFor("mail.yahoo.com"))
}

func TestMissingDirIsUsable(t *testing.T) {
	store, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	a := NewAssembler(store)
	out := a.Assemble(Params{UserTZ: "UTC"})
	assert.Contains(t, out, "Current time:")
}

func TestReloadOneReplacesSingleFragment(t *testing.T) {
	dir := writeFragments(t, map[string]string{
		"base_identity.md": "v1",
		"default.md":       "default",
	})
	store, err := Load(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "base_identity.md")
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	store.reloadOne(path)

	assert.Equal(t, "v2", store.get("base_identity"))
	assert.Equal(t, "default", store.get("default"))
}
