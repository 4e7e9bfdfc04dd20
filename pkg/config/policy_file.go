package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-routes/pkg/domain"
	"github.com/polisai/polis-routes/pkg/policy"
)

// PolicyFile is the on-disk representation of a route policy. YAML and JSON
// are both accepted.
type PolicyFile struct {
	Version   string               `yaml:"version" json:"version"`
	Headers   []HeaderRuleConfig   `yaml:"headers" json:"headers"`
	Rewrites  []RewriteRuleConfig  `yaml:"rewrites" json:"rewrites"`
	Redirects []RedirectRuleConfig `yaml:"redirects" json:"redirects"`
	Images    ImagePolicyConfig    `yaml:"images" json:"images"`
}

// HeaderRuleConfig is the on-disk representation of a header rule.
type HeaderRuleConfig struct {
	Source  string          `yaml:"source" json:"source"`
	Headers []domain.Header `yaml:"headers" json:"headers"`
}

// RewriteRuleConfig is the on-disk representation of a rewrite rule.
type RewriteRuleConfig struct {
	Source      string `yaml:"source" json:"source"`
	Destination string `yaml:"destination" json:"destination"`
}

// RedirectRuleConfig is the on-disk representation of a redirect rule.
type RedirectRuleConfig struct {
	Source      string `yaml:"source" json:"source"`
	Destination string `yaml:"destination" json:"destination"`
	Permanent   bool   `yaml:"permanent" json:"permanent"`
	StatusCode  int    `yaml:"status_code,omitempty" json:"status_code,omitempty"`
}

// ImagePolicyConfig is the on-disk representation of the image source policy.
type ImagePolicyConfig struct {
	Domains             []string `yaml:"domains" json:"domains"`
	Formats             []string `yaml:"formats" json:"formats"`
	DeviceSizes         []int    `yaml:"device_sizes,omitempty" json:"device_sizes,omitempty"`
	ImageSizes          []int    `yaml:"image_sizes,omitempty" json:"image_sizes,omitempty"`
	MinimumCacheTTL     int      `yaml:"minimum_cache_ttl,omitempty" json:"minimum_cache_ttl,omitempty"`
	DangerouslyAllowSVG bool     `yaml:"dangerously_allow_svg,omitempty" json:"dangerously_allow_svg,omitempty"`
}

// ParsePolicyFile decodes a policy document, trying YAML first and JSON second.
func ParsePolicyFile(data []byte) (*PolicyFile, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		if jsonErr := json.Unmarshal(data, &pf); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse policy file: %v", err)
		}
	}
	return &pf, nil
}

// ToDomain converts the file into a domain policy set.
func (pf *PolicyFile) ToDomain() domain.PolicySet {
	set := domain.PolicySet{
		Images: domain.ImageSourcePolicy{
			AllowedHosts:        pf.Images.Domains,
			AllowedFormats:      pf.Images.Formats,
			DeviceSizes:         pf.Images.DeviceSizes,
			ImageSizes:          pf.Images.ImageSizes,
			MinimumCacheTTL:     pf.Images.MinimumCacheTTL,
			DangerouslyAllowSVG: pf.Images.DangerouslyAllowSVG,
		},
	}
	for _, h := range pf.Headers {
		set.Headers = append(set.Headers, domain.HeaderRule{Source: h.Source, Headers: h.Headers})
	}
	for _, r := range pf.Rewrites {
		set.Rewrites = append(set.Rewrites, domain.RewriteRule{Source: r.Source, Destination: r.Destination})
	}
	for _, r := range pf.Redirects {
		set.Redirects = append(set.Redirects, domain.RedirectRule{
			Source:      r.Source,
			Destination: r.Destination,
			Permanent:   r.Permanent,
			StatusCode:  r.StatusCode,
		})
	}
	return set
}

// LoadPolicy compiles the policy at path, or the built-in policy when path is
// empty.
func LoadPolicy(path string) (*policy.Table, error) {
	if path == "" {
		return policy.New(policy.BuiltinPolicySet())
	}

	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	pf, err := ParsePolicyFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	table, err := policy.New(pf.ToDomain())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}
