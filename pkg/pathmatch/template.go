package pathmatch

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/polisai/polis-routes/pkg/domain"
)

type templatePart struct {
	literal string
	ref     string
	// query marks references after the template's '?'.
	query bool
}

// Template is a compiled destination template.
type Template struct {
	raw   string
	parts []templatePart
}

// ParseTemplate scans dest for :name references. A reference may carry a
// trailing *, + or ? modifier; ? is only read as a modifier at the end of
// the template or before a slash so that query strings stay literal.
func ParseTemplate(dest string) (*Template, error) {
	if dest == "" {
		return nil, fmt.Errorf("%w: empty destination", domain.ErrPatternInvalid)
	}

	t := &Template{raw: dest}
	var lit strings.Builder
	inQuery := false
	flush := func() {
		if lit.Len() > 0 {
			t.parts = append(t.parts, templatePart{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(dest); {
		c := dest[i]
		if c != ':' || i+1 >= len(dest) || !isNameChar(rune(dest[i+1]), true) {
			if c == '?' {
				inQuery = true
			}
			lit.WriteByte(c)
			i++
			continue
		}

		j := i + 1
		for j < len(dest) && isNameChar(rune(dest[j]), false) {
			j++
		}
		part := templatePart{ref: dest[i+1 : j], query: inQuery}
		if j < len(dest) {
			switch dest[j] {
			case '*', '+':
				j++
			case '?':
				if j+1 == len(dest) || dest[j+1] == '/' {
					j++
				}
			}
		}

		flush()
		t.parts = append(t.parts, part)
		i = j
	}
	flush()

	return t, nil
}

// Refs returns the parameter names referenced by the template, in order.
func (t *Template) Refs() []string {
	var refs []string
	for _, p := range t.parts {
		if p.ref != "" {
			refs = append(refs, p.ref)
		}
	}
	return refs
}

// Bind checks that every reference in t is declared by source.
func (t *Template) Bind(source *Pattern) error {
	for _, ref := range t.Refs() {
		if !source.Declares(ref) {
			return fmt.Errorf("%w: %q uses :%s which %q does not declare", domain.ErrUndeclaredParam, t.raw, ref, source.raw)
		}
	}
	return nil
}

// Expand substitutes params into the template. An empty capture removes the
// slash directly before it, so /products/:slug* with no slug yields /products.
// Captures are path-escaped values; in the query part they are re-escaped as
// query components so they cannot add parameters.
func (t *Template) Expand(params Params) string {
	var b strings.Builder
	b.Grow(len(t.raw))

	for _, p := range t.parts {
		if p.ref == "" {
			b.WriteString(p.literal)
			continue
		}
		value := params[p.ref]
		if value != "" && p.query {
			value = queryEscape(value)
		}
		if value == "" && !p.query {
			out := b.String()
			if strings.HasSuffix(out, "/") && len(out) > 1 {
				b.Reset()
				b.WriteString(out[:len(out)-1])
			}
			continue
		}
		b.WriteString(value)
	}

	out := b.String()
	if out == "" && strings.HasPrefix(t.raw, "/") {
		return "/"
	}
	return out
}

func queryEscape(value string) string {
	if unescaped, err := url.PathUnescape(value); err == nil {
		value = unescaped
	}
	return url.QueryEscape(value)
}

func (t *Template) String() string {
	return t.raw
}
