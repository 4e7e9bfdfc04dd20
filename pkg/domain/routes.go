package domain

import "net/http"

// Header is a single response header name/value pair.
type Header struct {
	Name  string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// HeaderRule attaches headers to every response whose path matches Source.
type HeaderRule struct {
	Source  string   `json:"source" yaml:"source"`
	Headers []Header `json:"headers" yaml:"headers"`
}

// RewriteRule serves Destination in place of any path matching Source.
// The client-visible URL does not change.
type RewriteRule struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
}

// RedirectRule sends clients matching Source to Destination.
// StatusCode overrides the status implied by Permanent when non-zero.
type RedirectRule struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
	Permanent   bool   `json:"permanent" yaml:"permanent"`
	StatusCode  int    `json:"status_code,omitempty" yaml:"status_code,omitempty"`
}

// Status returns the HTTP status for the redirect.
func (r RedirectRule) Status() int {
	if r.StatusCode != 0 {
		return r.StatusCode
	}
	if r.Permanent {
		return http.StatusPermanentRedirect
	}
	return http.StatusTemporaryRedirect
}

// ImageSourcePolicy restricts which remote images may be optimized and which
// encodings may be produced.
type ImageSourcePolicy struct {
	AllowedHosts        []string `json:"domains" yaml:"domains"`
	AllowedFormats      []string `json:"formats" yaml:"formats"`
	DeviceSizes         []int    `json:"device_sizes,omitempty" yaml:"device_sizes,omitempty"`
	ImageSizes          []int    `json:"image_sizes,omitempty" yaml:"image_sizes,omitempty"`
	MinimumCacheTTL     int      `json:"minimum_cache_ttl,omitempty" yaml:"minimum_cache_ttl,omitempty"`
	DangerouslyAllowSVG bool     `json:"dangerously_allow_svg,omitempty" yaml:"dangerously_allow_svg,omitempty"`
}

// PolicySet is the declarative form of a route policy, before compilation.
type PolicySet struct {
	Headers   []HeaderRule      `json:"headers" yaml:"headers"`
	Rewrites  []RewriteRule     `json:"rewrites" yaml:"rewrites"`
	Redirects []RedirectRule    `json:"redirects" yaml:"redirects"`
	Images    ImageSourcePolicy `json:"images" yaml:"images"`
}

// Redirect is the outcome of a redirect lookup.
type Redirect struct {
	Destination string `json:"destination"`
	Permanent   bool   `json:"permanent"`
	StatusCode  int    `json:"status_code"`
	Rule        int    `json:"rule"`
}

// Decision bundles everything the table says about one request path.
type Decision struct {
	Path     string    `json:"path"`
	Headers  []Header  `json:"headers"`
	Rewrite  string    `json:"rewrite,omitempty"`
	Rewrote  bool      `json:"rewrote"`
	Redirect *Redirect `json:"redirect,omitempty"`
}
