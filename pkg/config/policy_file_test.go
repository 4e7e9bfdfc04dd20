package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-routes/pkg/domain"
	"github.com/polisai/polis-routes/pkg/policy"
)

const sitePolicyYAML = `
version: "1"
headers:
  - source: "/(.*)"
    headers:
      - key: X-Frame-Options
        value: DENY
      - key: X-Content-Type-Options
        value: nosniff
      - key: Referrer-Policy
        value: origin-when-cross-origin
rewrites:
  - source: /sitemap.xml
    destination: /api/sitemap
redirects:
  - source: "/products/:slug*"
    destination: "/products/:slug*"
    permanent: true
  - source: "/gallery/:slug*"
    destination: "/gallery/:slug*"
    permanent: true
  - source: "/product-category/:category/:slug*"
    destination: "/products/:category/:slug*"
    permanent: true
  - source: "/product/:slug*"
    destination: "/products/:slug*"
    permanent: true
  - source: "/page/:page"
    destination: "/gallery?page=:page"
    permanent: true
images:
  domains: [www.tuffdeck.com.au, images.unsplash.com]
  formats: [image/webp, image/avif]
`

func TestParsePolicyFile_MatchesBuiltin(t *testing.T) {
	pf, err := ParsePolicyFile([]byte(sitePolicyYAML))
	require.NoError(t, err)
	assert.Equal(t, policy.BuiltinPolicySet(), pf.ToDomain())
}

func TestParsePolicyFile_JSON(t *testing.T) {
	pf, err := ParsePolicyFile([]byte(`{
		"redirects": [{"source": "/old/:id", "destination": "/new/:id", "permanent": false, "status_code": 302}],
		"images": {"domains": ["cdn.example.com"], "formats": ["image/avif"]}
	}`))
	require.NoError(t, err)

	set := pf.ToDomain()
	require.Len(t, set.Redirects, 1)
	assert.Equal(t, domain.RedirectRule{Source: "/old/:id", Destination: "/new/:id", StatusCode: 302}, set.Redirects[0])
	assert.Equal(t, []string{"cdn.example.com"}, set.Images.AllowedHosts)
}

func TestParsePolicyFile_Garbage(t *testing.T) {
	_, err := ParsePolicyFile([]byte("redirects: [unclosed"))
	assert.Error(t, err)
}

func TestLoadPolicy(t *testing.T) {
	t.Run("builtin when path empty", func(t *testing.T) {
		table, err := LoadPolicy("")
		require.NoError(t, err)
		assert.Equal(t, policy.Default().Stats(), table.Stats())
	})

	t.Run("from file", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "routes.yaml", sitePolicyYAML)
		table, err := LoadPolicy(path)
		require.NoError(t, err)

		r, ok := table.RedirectFor("/product-category/chairs/office-chair")
		require.True(t, ok)
		assert.Equal(t, "/products/chairs/office-chair", r.Destination)
	})

	t.Run("undeclared parameter fails fast", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "routes.yaml", `
redirects:
  - source: "/product/:slug*"
    destination: "/products/:category/:slug*"
    permanent: true
`)
		_, err := LoadPolicy(path)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrUndeclaredParam)
		assert.Contains(t, err.Error(), filepath.Base(path))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
