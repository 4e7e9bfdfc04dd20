package policy

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/polisai/polis-routes/pkg/domain"
	"github.com/polisai/polis-routes/pkg/pathmatch"
)

// Image optimizer defaults used when a policy leaves the field unset.
var (
	DefaultDeviceSizes     = []int{640, 750, 828, 1080, 1200, 1920, 2048, 3840}
	DefaultImageSizes      = []int{16, 32, 48, 64, 96, 128, 256, 384}
	DefaultMinimumCacheTTL = 60
)

var supportedImageFormats = map[string]struct{}{
	"image/webp": {},
	"image/avif": {},
}

type headerRule struct {
	source  *pathmatch.Pattern
	headers []domain.Header
}

type rewriteRule struct {
	source      *pathmatch.Pattern
	destination *pathmatch.Template
}

type redirectRule struct {
	source      *pathmatch.Pattern
	destination *pathmatch.Template
	permanent   bool
	status      int
}

// Table is a compiled route policy. All methods are safe for concurrent use.
type Table struct {
	headers   []headerRule
	rewrites  []rewriteRule
	redirects []redirectRule
	images    domain.ImageSourcePolicy
	hosts     map[string]struct{}
}

// Stats summarises the size of a table for logs.
type Stats struct {
	HeaderRules   int `json:"header_rules"`
	RewriteRules  int `json:"rewrite_rules"`
	RedirectRules int `json:"redirect_rules"`
	ImageHosts    int `json:"image_hosts"`
	// IdentityRedirects holds the indexes of redirects whose destination
	// is their own source. Such rules loop for a client that follows them.
	IdentityRedirects []int `json:"identity_redirects,omitempty"`
}

// New validates and compiles set. The returned error is a *domain.PolicyError
// naming the first offending rule.
func New(set domain.PolicySet) (*Table, error) {
	t := &Table{}

	for i, rule := range set.Headers {
		compiled, err := compileHeaderRule(rule)
		if err != nil {
			return nil, &domain.PolicyError{Kind: domain.RuleKindHeader, Index: i, Source: rule.Source, Err: err}
		}
		t.headers = append(t.headers, compiled)
	}

	for i, rule := range set.Rewrites {
		source, dest, err := compileRoute(rule.Source, rule.Destination)
		if err != nil {
			return nil, &domain.PolicyError{Kind: domain.RuleKindRewrite, Index: i, Source: rule.Source, Err: err}
		}
		t.rewrites = append(t.rewrites, rewriteRule{source: source, destination: dest})
	}

	for i, rule := range set.Redirects {
		source, dest, err := compileRoute(rule.Source, rule.Destination)
		if err == nil {
			err = validateStatus(rule.StatusCode)
		}
		if err != nil {
			return nil, &domain.PolicyError{Kind: domain.RuleKindRedirect, Index: i, Source: rule.Source, Err: err}
		}
		t.redirects = append(t.redirects, redirectRule{
			source:      source,
			destination: dest,
			permanent:   rule.Permanent,
			status:      rule.Status(),
		})
	}

	images, hosts, err := compileImages(set.Images)
	if err != nil {
		return nil, &domain.PolicyError{Kind: domain.RuleKindImage, Err: err}
	}
	t.images = images
	t.hosts = hosts

	return t, nil
}

// MustNew is like New but panics if the policy does not compile.
func MustNew(set domain.PolicySet) *Table {
	t, err := New(set)
	if err != nil {
		panic(err)
	}
	return t
}

func compileHeaderRule(rule domain.HeaderRule) (headerRule, error) {
	source, err := pathmatch.Compile(rule.Source)
	if err != nil {
		return headerRule{}, err
	}
	headers := make([]domain.Header, 0, len(rule.Headers))
	for _, h := range rule.Headers {
		if !httpguts.ValidHeaderFieldName(h.Name) {
			return headerRule{}, fmt.Errorf("%w: invalid header name %q", domain.ErrConfigInvalid, h.Name)
		}
		if !httpguts.ValidHeaderFieldValue(h.Value) {
			return headerRule{}, fmt.Errorf("%w: invalid value for header %s", domain.ErrConfigInvalid, h.Name)
		}
		headers = append(headers, domain.Header{Name: http.CanonicalHeaderKey(h.Name), Value: h.Value})
	}
	return headerRule{source: source, headers: headers}, nil
}

func compileRoute(source, destination string) (*pathmatch.Pattern, *pathmatch.Template, error) {
	pattern, err := pathmatch.Compile(source)
	if err != nil {
		return nil, nil, err
	}
	tpl, err := pathmatch.ParseTemplate(destination)
	if err != nil {
		return nil, nil, err
	}
	if err := tpl.Bind(pattern); err != nil {
		return nil, nil, err
	}
	return pattern, tpl, nil
}

func validateStatus(code int) error {
	switch code {
	case 0, http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return nil
	}
	return fmt.Errorf("%w: %d", domain.ErrInvalidStatus, code)
}

func compileImages(in domain.ImageSourcePolicy) (domain.ImageSourcePolicy, map[string]struct{}, error) {
	out := domain.ImageSourcePolicy{
		DeviceSizes:         slices.Clone(in.DeviceSizes),
		ImageSizes:          slices.Clone(in.ImageSizes),
		MinimumCacheTTL:     in.MinimumCacheTTL,
		DangerouslyAllowSVG: in.DangerouslyAllowSVG,
	}

	hosts := make(map[string]struct{}, len(in.AllowedHosts))
	for _, host := range in.AllowedHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" || strings.ContainsAny(host, "/ ") {
			return out, nil, fmt.Errorf("%w: invalid image host %q", domain.ErrConfigInvalid, host)
		}
		if _, dup := hosts[host]; dup {
			continue
		}
		hosts[host] = struct{}{}
		out.AllowedHosts = append(out.AllowedHosts, host)
	}

	for _, format := range in.AllowedFormats {
		format = strings.ToLower(strings.TrimSpace(format))
		if !strings.Contains(format, "/") {
			format = "image/" + format
		}
		if _, ok := supportedImageFormats[format]; !ok {
			return out, nil, fmt.Errorf("%w: %q", domain.ErrFormatNotAllowed, format)
		}
		if !slices.Contains(out.AllowedFormats, format) {
			out.AllowedFormats = append(out.AllowedFormats, format)
		}
	}

	if len(out.DeviceSizes) == 0 {
		out.DeviceSizes = slices.Clone(DefaultDeviceSizes)
	}
	if len(out.ImageSizes) == 0 {
		out.ImageSizes = slices.Clone(DefaultImageSizes)
	}
	for _, size := range slices.Concat(out.DeviceSizes, out.ImageSizes) {
		if size <= 0 {
			return out, nil, fmt.Errorf("%w: image size %d", domain.ErrConfigInvalid, size)
		}
	}
	if out.MinimumCacheTTL < 0 {
		return out, nil, fmt.Errorf("%w: negative minimum_cache_ttl", domain.ErrConfigInvalid)
	}
	if out.MinimumCacheTTL == 0 {
		out.MinimumCacheTTL = DefaultMinimumCacheTTL
	}

	return out, hosts, nil
}

// HeadersFor returns, in declaration order, the headers of every rule whose
// source matches path. Callers apply them in order so that a later header
// replaces an earlier one with the same name.
func (t *Table) HeadersFor(path string) []domain.Header {
	var out []domain.Header
	for _, rule := range t.headers {
		if _, ok := rule.source.Match(path); ok {
			out = append(out, rule.headers...)
		}
	}
	return out
}

// RewriteFor returns the internal destination for path, if any rule matches.
func (t *Table) RewriteFor(path string) (string, bool) {
	for _, rule := range t.rewrites {
		if params, ok := rule.source.Match(path); ok {
			return rule.destination.Expand(params), true
		}
	}
	return "", false
}

// RedirectFor returns the first redirect whose source matches path.
// Rules that map a path onto itself still match and still short-circuit
// the rules after them.
func (t *Table) RedirectFor(path string) (domain.Redirect, bool) {
	for i, rule := range t.redirects {
		if params, ok := rule.source.Match(path); ok {
			return domain.Redirect{
				Destination: rule.destination.Expand(params),
				Permanent:   rule.permanent,
				StatusCode:  rule.status,
				Rule:        i,
			}, true
		}
	}
	return domain.Redirect{}, false
}

// ImagePolicy returns a copy of the image source policy.
func (t *Table) ImagePolicy() domain.ImageSourcePolicy {
	p := t.images
	p.AllowedHosts = slices.Clone(p.AllowedHosts)
	p.AllowedFormats = slices.Clone(p.AllowedFormats)
	p.DeviceSizes = slices.Clone(p.DeviceSizes)
	p.ImageSizes = slices.Clone(p.ImageSizes)
	return p
}

// HostAllowed reports whether host may be used as a remote image source.
func (t *Table) HostAllowed(host string) bool {
	_, ok := t.hosts[strings.ToLower(host)]
	return ok
}

// Evaluate runs every lookup for path. Redirects win over rewrites.
func (t *Table) Evaluate(path string) domain.Decision {
	d := domain.Decision{Path: path, Headers: t.HeadersFor(path)}
	if r, ok := t.RedirectFor(path); ok {
		d.Redirect = &r
		return d
	}
	d.Rewrite, d.Rewrote = t.RewriteFor(path)
	return d
}

// Stats reports the number of compiled rules.
func (t *Table) Stats() Stats {
	stats := Stats{
		HeaderRules:   len(t.headers),
		RewriteRules:  len(t.rewrites),
		RedirectRules: len(t.redirects),
		ImageHosts:    len(t.hosts),
	}
	for i, r := range t.redirects {
		if r.source.String() == r.destination.String() {
			stats.IdentityRedirects = append(stats.IdentityRedirects, i)
		}
	}
	return stats
}
