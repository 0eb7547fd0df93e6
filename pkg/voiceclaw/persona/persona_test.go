package persona

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWritesDefaults(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "persona")
	s, err := Open(dir, nil)
	require.NoError(t, err)

	for _, name := range Files {
		assert.FileExists(t, filepath.Join(dir, name+".md"))
	}
	p := s.Current()
	assert.Contains(t, p.Identity, "VoiceClaw")
	assert.NotEmpty(t, p.Soul)
	assert.NotEmpty(t, p.Security)
}

func TestOpenKeepsExistingFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SOUL.md"), []byte("  custom soul \n"), 0o644))

	s, err := Open(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom soul", s.Current().Soul)
}

func TestUpdateFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	before := s.Current()
	oldSoul := before.Soul

	require.NoError(t, s.UpdateFile("soul.md", "be brief"))

	assert.Equal(t, "be brief", s.Current().Soul)
	assert.Equal(t, oldSoul, before.Soul, "earlier values are not mutated")

	bak, err := os.ReadFile(filepath.Join(dir, "SOUL.md.bak"))
	require.NoError(t, err)
	assert.Equal(t, oldSoul, strings.TrimSpace(string(bak)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}

	assert.ErrorIs(t, s.UpdateFile("SECRETS", "x"), ErrUnknownFile)
}

func TestConcurrentReadsDuringUpdate(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p := s.Current()
				assert.NotNil(t, p)
			}
		}()
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, s.UpdateFile(Identity, strings.Repeat("x", i+1)))
	}
	wg.Wait()
	assert.Equal(t, strings.Repeat("x", 10), s.Current().Identity)
}

func TestBuildSystemPrompt(t *testing.T) {
	t.Parallel()
	p := &Persona{Soul: "soul text", Security: "no secrets"}
	prompt := BuildSystemPrompt(p, "Likes Go.", "- **get_time**: time\n")

	assert.True(t, strings.HasPrefix(prompt, "## Core Philosophy\nsoul text\n\n## Security Rules\nno secrets"))
	assert.NotContains(t, prompt, "## Personality", "empty sections are omitted")
	assert.Contains(t, prompt, "## About the User\nLikes Go.")
	assert.Contains(t, prompt, "## Available Tools\n- **get_time**: time")
	assert.Contains(t, prompt, "## Response Guidelines\n")

	bare := BuildSystemPrompt(nil, "", "")
	assert.True(t, strings.HasPrefix(bare, "## Response Guidelines"))
}
