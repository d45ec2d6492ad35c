package firmware_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetmend/backend/internal/firmware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known-issues.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRegistry(t *testing.T) {
	t.Run("Should load a valid catalog", func(t *testing.T) {
		path := writeRegistry(t, `
issues:
  - model: vx-300
    versions: ["2.1.0", "2.1.1"]
    description: watchdog starves under sustained telemetry load
    fixed_in: "2.2.0"

releases:
  - model: vx-300
    version: "2.2.0"
    checksum: beef02
    stable: true
  - model: vx-300
    version: "2.1.1"
    checksum: beef01
    stable: true
`)

		registry, err := firmware.LoadRegistry(path)

		require.NoError(t, err)
		assert.Len(t, registry.Issues, 1)
		assert.Len(t, registry.Releases, 2)
		assert.Equal(t, "2.2.0", registry.Issues[0].FixedIn)
	})

	t.Run("Should reject invalid catalogs", func(t *testing.T) {
		cases := []struct {
			name    string
			content string
		}{
			{
				name: "issue without model",
				content: `
issues:
  - versions: ["1.0.0"]
    description: broken
`,
			},
			{
				name: "issue without affected versions",
				content: `
issues:
  - model: vx-300
    description: broken
`,
			},
			{
				name: "release without checksum",
				content: `
releases:
  - model: vx-300
    version: "2.2.0"
    stable: true
`,
			},
			{
				name: "release without version",
				content: `
releases:
  - model: vx-300
    checksum: beef02
`,
			},
			{
				name: "duplicate release",
				content: `
releases:
  - model: vx-300
    version: "2.2.0"
    checksum: beef02
  - model: vx-300
    version: "2.2.0"
    checksum: beef03
`,
			},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				path := writeRegistry(t, tc.content)
				_, err := firmware.LoadRegistry(path)
				assert.Error(t, err)
			})
		}
	})

	t.Run("Should fail for a missing file", func(t *testing.T) {
		_, err := firmware.LoadRegistry(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestRegistry_Lookups(t *testing.T) {
	registry := testRegistry()

	t.Run("Should match issues only on affected versions", func(t *testing.T) {
		issue := registry.IssueFor("vx-300", "2.1.0")
		require.NotNil(t, issue)
		assert.Contains(t, issue.Description, "watchdog")

		assert.Nil(t, registry.IssueFor("vx-300", "2.2.0"))
		assert.Nil(t, registry.IssueFor("unknown-model", "2.1.0"))
	})

	t.Run("Should find releases by exact model and version", func(t *testing.T) {
		release, ok := registry.ReleaseFor("vx-300", "2.1.1")
		require.True(t, ok)
		assert.Equal(t, "beef01", release.Checksum)

		_, ok = registry.ReleaseFor("vx-300", "9.9.9")
		assert.False(t, ok)
	})

	t.Run("Should skip unstable builds when picking the latest stable", func(t *testing.T) {
		release, ok := registry.LatestStable("vx-300")
		require.True(t, ok)
		assert.Equal(t, "2.2.0", release.Version)

		_, ok = registry.LatestStable("unknown-model")
		assert.False(t, ok)
	})

	t.Run("Should report nothing for an empty registry", func(t *testing.T) {
		empty := firmware.NewRegistry()
		assert.Nil(t, empty.IssueFor("vx-300", "2.1.0"))
		_, ok := empty.LatestStable("vx-300")
		assert.False(t, ok)
	})
}
