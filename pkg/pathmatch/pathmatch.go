// Package pathmatch compiles route source patterns and destination templates.
//
// A source pattern is a slash-separated path whose segments are either
// literals or named parameters:
//
//	/products/:slug*          zero or more trailing segments
//	/product/:slug+           one or more trailing segments
//	/page/:page               exactly one segment
//	/docs/:section?           zero or one trailing segment
//	/(.*)                     anonymous catch-all
//
// Literal segments compare case-insensitively. Multi-segment and optional
// parameters must be the last segment of a pattern. A destination template
// may reference any parameter declared by its source, in the path or in the
// query string.
package pathmatch

import (
	"fmt"
	"strings"

	"github.com/polisai/polis-routes/pkg/domain"
)

type segmentKind int

const (
	segmentLiteral segmentKind = iota
	segmentParam
	segmentOptional
	segmentOneOrMore
	segmentZeroOrMore
	segmentCatchAll
)

func (k segmentKind) trailing() bool {
	return k == segmentOptional || k == segmentOneOrMore || k == segmentZeroOrMore || k == segmentCatchAll
}

type segment struct {
	kind  segmentKind
	value string
}

// Params holds the values captured by a match. Multi-segment captures are
// joined with "/" exactly as they appeared in the request path.
type Params map[string]string

// Pattern is a compiled source pattern. It is immutable and safe for
// concurrent use.
type Pattern struct {
	raw      string
	segments []segment
	names    []string
}

// Compile parses a source pattern.
func Compile(source string) (*Pattern, error) {
	if !strings.HasPrefix(source, "/") {
		return nil, fmt.Errorf("%w: %q must start with /", domain.ErrPatternInvalid, source)
	}

	p := &Pattern{raw: source}
	seen := make(map[string]struct{})

	for i, part := range splitPath(source) {
		seg, err := parseSegment(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", domain.ErrPatternInvalid, source, err)
		}
		if len(p.segments) > 0 && p.segments[len(p.segments)-1].kind.trailing() {
			return nil, fmt.Errorf("%w: %q: segment %d follows a trailing wildcard", domain.ErrPatternInvalid, source, i)
		}
		if seg.kind != segmentLiteral && seg.kind != segmentCatchAll {
			if _, dup := seen[seg.value]; dup {
				return nil, fmt.Errorf("%w: %q declares :%s twice", domain.ErrDuplicateParam, source, seg.value)
			}
			seen[seg.value] = struct{}{}
			p.names = append(p.names, seg.value)
		}
		p.segments = append(p.segments, seg)
	}

	return p, nil
}

// MustCompile is like Compile but panics on error. Intended for static tables.
func MustCompile(source string) *Pattern {
	p, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return p
}

func parseSegment(part string) (segment, error) {
	if part == "(.*)" {
		return segment{kind: segmentCatchAll}, nil
	}
	if strings.ContainsAny(part, "()") {
		return segment{}, fmt.Errorf("regular expression groups other than (.*) are not supported: %q", part)
	}
	if !strings.HasPrefix(part, ":") {
		if strings.Contains(part, ":") {
			return segment{}, fmt.Errorf("parameter must span the whole segment: %q", part)
		}
		return segment{kind: segmentLiteral, value: part}, nil
	}

	name := part[1:]
	kind := segmentParam
	if n := len(name); n > 0 {
		switch name[n-1] {
		case '*':
			kind, name = segmentZeroOrMore, name[:n-1]
		case '+':
			kind, name = segmentOneOrMore, name[:n-1]
		case '?':
			kind, name = segmentOptional, name[:n-1]
		}
	}
	if !validName(name) {
		return segment{}, fmt.Errorf("invalid parameter name %q", name)
	}
	return segment{kind: kind, value: name}, nil
}

// Match reports whether path satisfies the pattern and returns the captured
// parameters. A single trailing slash on path is ignored.
func (p *Pattern) Match(path string) (Params, bool) {
	if !strings.HasPrefix(path, "/") {
		return nil, false
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	parts := splitPath(path)

	var params Params
	capture := func(name, value string) {
		if params == nil {
			params = make(Params, len(p.names))
		}
		params[name] = value
	}

	for i, seg := range p.segments {
		rest := parts[min(i, len(parts)):]
		switch seg.kind {
		case segmentLiteral:
			if len(rest) == 0 || !strings.EqualFold(rest[0], seg.value) {
				return nil, false
			}
		case segmentParam:
			if len(rest) == 0 || rest[0] == "" {
				return nil, false
			}
			capture(seg.value, rest[0])
		case segmentOptional:
			if len(rest) > 1 {
				return nil, false
			}
			capture(seg.value, strings.Join(rest, "/"))
			return ensure(params), true
		case segmentOneOrMore:
			if len(rest) == 0 {
				return nil, false
			}
			capture(seg.value, strings.Join(rest, "/"))
			return ensure(params), true
		case segmentZeroOrMore:
			capture(seg.value, strings.Join(rest, "/"))
			return ensure(params), true
		case segmentCatchAll:
			return ensure(params), true
		}
	}

	if len(parts) != len(p.segments) {
		return nil, false
	}
	return ensure(params), true
}

// Names returns the declared parameter names in source order.
func (p *Pattern) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Declares reports whether the pattern captures a parameter with this name.
func (p *Pattern) Declares(name string) bool {
	for _, n := range p.names {
		if n == name {
			return true
		}
	}
	return false
}

func (p *Pattern) String() string {
	return p.raw
}

func ensure(params Params) Params {
	if params == nil {
		return Params{}
	}
	return params
}

// splitPath splits "/a/b" into ["a", "b"]; "/" yields no segments.
func splitPath(path string) []string {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if !isNameChar(r, i == 0) {
			return false
		}
	}
	return true
}

func isNameChar(r rune, first bool) bool {
	switch {
	case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return !first
	}
	return false
}
