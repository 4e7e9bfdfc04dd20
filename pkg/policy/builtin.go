package policy

import "github.com/polisai/polis-routes/pkg/domain"

// BuiltinPolicySet is the site's route policy. The first two redirects map
// their source onto itself and are kept as published.
func BuiltinPolicySet() domain.PolicySet {
	return domain.PolicySet{
		Headers: []domain.HeaderRule{
			{
				Source: "/(.*)",
				Headers: []domain.Header{
					{Name: "X-Frame-Options", Value: "DENY"},
					{Name: "X-Content-Type-Options", Value: "nosniff"},
					{Name: "Referrer-Policy", Value: "origin-when-cross-origin"},
				},
			},
		},
		Rewrites: []domain.RewriteRule{
			{Source: "/sitemap.xml", Destination: "/api/sitemap"},
		},
		Redirects: []domain.RedirectRule{
			{Source: "/products/:slug*", Destination: "/products/:slug*", Permanent: true},
			{Source: "/gallery/:slug*", Destination: "/gallery/:slug*", Permanent: true},
			// legacy WordPress category archives
			{Source: "/product-category/:category/:slug*", Destination: "/products/:category/:slug*", Permanent: true},
			{Source: "/product/:slug*", Destination: "/products/:slug*", Permanent: true},
			// WordPress pagination
			{Source: "/page/:page", Destination: "/gallery?page=:page", Permanent: true},
		},
		Images: domain.ImageSourcePolicy{
			AllowedHosts:   []string{"www.tuffdeck.com.au", "images.unsplash.com"},
			AllowedFormats: []string{"image/webp", "image/avif"},
		},
	}
}

// Default returns the compiled built-in policy.
func Default() *Table {
	return MustNew(BuiltinPolicySet())
}
