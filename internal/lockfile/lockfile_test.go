package lockfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpm-dev/agpm/internal/manifest"
	"github.com/agpm-dev/agpm/internal/model"
)

func sampleLockfile() *model.Lockfile {
	return &model.Lockfile{
		Version: model.CurrentLockfileVersion,
		Sources: []model.SourceRecord{
			{Name: "community", URL: "https://example.com/community.git", FetchedAt: "2026-01-01T00:00:00Z"},
		},
		Resources: map[model.ResourceType][]model.LockedResource{
			model.ResourceAgent: {
				{CanonicalName: "agents/reviewer", Source: "community", Path: "agents/reviewer.md", Checksum: "sha256:abc", InstalledAt: ".claude/agents/reviewer.md", Tool: "claude-code", Install: true},
			},
		},
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	lf := sampleLockfile()
	data, err := Marshal(lf)
	require.NoError(t, err)
	assert.Contains(t, string(data), "reviewer")

	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, lf.Version, back.Version)
	require.Len(t, back.Resources[model.ResourceAgent], 1)
	assert.Equal(t, "agents/reviewer", back.Resources[model.ResourceAgent][0].CanonicalName)
}

func TestMarshalIsDeterministic(t *testing.T) {
	lf := sampleLockfile()
	lf.Resources[model.ResourceAgent] = append(lf.Resources[model.ResourceAgent], model.LockedResource{
		CanonicalName: "alpha", Source: "community", Path: "agents/alpha.md", Checksum: "sha256:def", InstalledAt: ".claude/agents/alpha.md", Tool: "claude-code", Install: true,
	})
	a, err := Marshal(lf)
	require.NoError(t, err)
	b, err := Marshal(lf)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestWriteAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	lf := sampleLockfile()
	require.NoError(t, Write(filepath.Join(dir, FileName), lf))

	res, err := Load(dir, false)
	require.NoError(t, err)
	require.NotNil(t, res.Lockfile)
	assert.False(t, res.Regenerated)
	assert.Equal(t, lf.Version, res.Lockfile.Version)
}

func TestLoadAbsentReturnsNil(t *testing.T) {
	dir := t.TempDir()
	res, err := Load(dir, false)
	require.NoError(t, err)
	assert.Nil(t, res.Lockfile)
	assert.False(t, res.Regenerated)
}

func TestLoadFrozenFailsOnInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("not valid toml :::"), 0o644))

	_, err := Load(dir, true)
	assert.Error(t, err)

	if _, statErr := os.Stat(filepath.Join(dir, FileName)); statErr != nil {
		t.Fatalf("frozen load must not move the lockfile aside: %v", statErr)
	}
}

func TestValidateAgainstManifestReportsMissingSourceAndUnmatched(t *testing.T) {
	m := &manifest.Manifest{
		Sources: map[string]manifest.Source{
			"community": {Name: "community", URL: "https://example.com/community.git"},
			"other":     {Name: "other", URL: "https://example.com/other.git"},
		},
		Agents: map[string]manifest.Dependency{
			"reviewer": {Alias: "reviewer", Source: "community", Path: "agents/reviewer.md"},
			"new-one":  {Alias: "new-one", Source: "community", Path: "agents/new-one.md"},
		},
	}
	lf := sampleLockfile()

	report := ValidateAgainstManifest(lf, m)
	assert.Equal(t, []string{"other"}, report.MissingSources)
	assert.Equal(t, []string{"new-one"}, report.Unmatched)
	assert.False(t, report.Empty())
}
