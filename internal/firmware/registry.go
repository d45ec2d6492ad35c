package firmware

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// KnownIssue marks firmware versions of a device model as defective
type KnownIssue struct {
	Model       string   `yaml:"model"`
	Versions    []string `yaml:"versions"`
	Description string   `yaml:"description"`
	FixedIn     string   `yaml:"fixed_in"`
}

// Release describes one published firmware build. Checksum is the expected
// SHA-256 of the artifact, compared against what the gateway reports after
// staging.
type Release struct {
	Model    string `yaml:"model"`
	Version  string `yaml:"version"`
	Checksum string `yaml:"checksum"`
	Stable   bool   `yaml:"stable"`
}

// Registry is the known-issue and release catalog consulted by the patch
// agent. Releases are listed newest first per model.
type Registry struct {
	Issues   []KnownIssue `yaml:"issues"`
	Releases []Release    `yaml:"releases"`
}

// NewRegistry returns an empty registry; devices are patched only on
// anomaly evidence until a catalog is loaded
func NewRegistry() *Registry {
	return &Registry{}
}

// LoadRegistry reads and validates a registry from a YAML file
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read known-issue registry: %w", err)
	}

	var registry Registry
	if err := yaml.Unmarshal(data, &registry); err != nil {
		return nil, fmt.Errorf("failed to parse known-issue registry: %w", err)
	}

	if err := registry.validate(); err != nil {
		return nil, fmt.Errorf("invalid known-issue registry %s: %w", path, err)
	}
	return &registry, nil
}

func (r *Registry) validate() error {
	for i, issue := range r.Issues {
		if issue.Model == "" {
			return fmt.Errorf("issue %d has no model", i)
		}
		if len(issue.Versions) == 0 {
			return fmt.Errorf("issue %d (%s) lists no affected versions", i, issue.Model)
		}
	}

	seen := make(map[string]bool, len(r.Releases))
	for i, release := range r.Releases {
		if release.Model == "" || release.Version == "" {
			return fmt.Errorf("release %d is missing model or version", i)
		}
		key := release.Model + "/" + release.Version
		if seen[key] {
			return fmt.Errorf("duplicate release %s", key)
		}
		seen[key] = true
		if release.Checksum == "" {
			return fmt.Errorf("release %s has no checksum", key)
		}
	}
	return nil
}

// IssueFor returns the known issue affecting the given model and version, if any
func (r *Registry) IssueFor(model, version string) *KnownIssue {
	for i := range r.Issues {
		issue := &r.Issues[i]
		if issue.Model != model {
			continue
		}
		for _, v := range issue.Versions {
			if v == version {
				return issue
			}
		}
	}
	return nil
}

// ReleaseFor returns the catalog entry for an exact model and version
func (r *Registry) ReleaseFor(model, version string) (Release, bool) {
	for _, release := range r.Releases {
		if release.Model == model && release.Version == version {
			return release, true
		}
	}
	return Release{}, false
}

// LatestStable returns the newest stable release for a model
func (r *Registry) LatestStable(model string) (Release, bool) {
	for _, release := range r.Releases {
		if release.Model == model && release.Stable {
			return release, true
		}
	}
	return Release{}, false
}
