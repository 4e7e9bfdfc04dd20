// Package imageopt guards the image optimization endpoint with the route
// policy's image source rules.
//
// The Gate decides whether a source URL may be fetched at all and which
// output format the client should receive. Producing the bytes is delegated
// to an Optimizer so that a transcoding backend can replace the default
// fetch-and-forward implementation.
package imageopt

import (
	"fmt"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/munnerz/goautoneg"

	"github.com/polisai/polis-routes/pkg/domain"
	"github.com/polisai/polis-routes/pkg/policy"
)

const (
	maxSourceURLLength = 3072
	defaultQuality     = 75
)

// PolicySource yields the active policy table.
type PolicySource interface {
	Current() *policy.Table
}

// Request is a validated image request.
type Request struct {
	Source  *url.URL
	Local   bool
	Width   int
	Quality int
	Format  string
	TTL     int
	// AllowSVG mirrors the policy's DangerouslyAllowSVG flag.
	AllowSVG bool
}

// Gate validates image requests against the active image source policy.
type Gate struct {
	source PolicySource
}

// NewGate creates a gate reading policy from source.
func NewGate(source PolicySource) *Gate {
	if source == nil {
		panic("imageopt: policy source is required")
	}
	return &Gate{source: source}
}

// Check validates a source URL. Paths starting with a single slash are local
// to the site; absolute URLs must use http(s) and an allowed host.
func (g *Gate) Check(rawURL string) (*url.URL, bool, error) {
	if rawURL == "" {
		return nil, false, fmt.Errorf("%w: \"url\" parameter is required", domain.ErrImageRequest)
	}
	if len(rawURL) > maxSourceURLLength {
		return nil, false, fmt.Errorf("%w: \"url\" parameter is too long", domain.ErrImageRequest)
	}
	if strings.HasPrefix(rawURL, "//") {
		return nil, false, fmt.Errorf("%w: \"url\" parameter cannot be a protocol-relative URL (//)", domain.ErrImageRequest)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, false, fmt.Errorf("%w: \"url\" parameter is invalid", domain.ErrImageRequest)
	}

	table := g.source.Current()
	if strings.HasPrefix(rawURL, "/") {
		if err := checkSVG(u, table.ImagePolicy()); err != nil {
			return nil, false, err
		}
		return u, true, nil
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false, fmt.Errorf("%w: \"url\" parameter is invalid", domain.ErrImageRequest)
	}
	if !table.HostAllowed(u.Hostname()) {
		return nil, false, fmt.Errorf("%w: %s", domain.ErrHostNotAllowed, u.Hostname())
	}
	if err := checkSVG(u, table.ImagePolicy()); err != nil {
		return nil, false, err
	}
	return u, false, nil
}

func checkSVG(u *url.URL, p domain.ImageSourcePolicy) error {
	if !p.DangerouslyAllowSVG && strings.EqualFold(path.Ext(u.Path), ".svg") {
		return fmt.Errorf("%w: svg sources are disabled", domain.ErrFormatNotAllowed)
	}
	return nil
}

// NegotiateFormat picks the output format for an Accept header. A format is
// only chosen when the client names it explicitly; otherwise the empty
// string means "serve the source format".
func (g *Gate) NegotiateFormat(accept string) string {
	formats := g.source.Current().ImagePolicy().AllowedFormats
	if accept == "" || len(formats) == 0 {
		return ""
	}
	chosen := goautoneg.Negotiate(accept, formats)
	if chosen == "" || !strings.Contains(accept, chosen) {
		return ""
	}
	return chosen
}

// Parse validates the url, w and q query parameters and the Accept header.
func (g *Gate) Parse(query url.Values, accept string) (Request, error) {
	src, local, err := g.Check(query.Get("url"))
	if err != nil {
		return Request{}, err
	}

	p := g.source.Current().ImagePolicy()

	rawWidth := query.Get("w")
	if rawWidth == "" {
		return Request{}, fmt.Errorf("%w: \"w\" parameter (width) is required", domain.ErrImageRequest)
	}
	width, err := strconv.Atoi(rawWidth)
	if err != nil || width <= 0 {
		return Request{}, fmt.Errorf("%w: \"w\" parameter (width) must be a number greater than 0", domain.ErrImageRequest)
	}
	if !slices.Contains(p.DeviceSizes, width) && !slices.Contains(p.ImageSizes, width) {
		return Request{}, fmt.Errorf("%w: \"w\" parameter (width) of %d is not allowed", domain.ErrImageRequest, width)
	}

	quality := defaultQuality
	if rawQuality := query.Get("q"); rawQuality != "" {
		quality, err = strconv.Atoi(rawQuality)
		if err != nil || quality < 1 || quality > 100 {
			return Request{}, fmt.Errorf("%w: \"q\" parameter (quality) must be a number between 1 and 100", domain.ErrImageRequest)
		}
	}

	return Request{
		Source:   src,
		Local:    local,
		Width:    width,
		Quality:  quality,
		Format:   g.NegotiateFormat(accept),
		TTL:      p.MinimumCacheTTL,
		AllowSVG: p.DangerouslyAllowSVG,
	}, nil
}
