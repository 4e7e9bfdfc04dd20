package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrPatternInvalid   = errors.New("invalid path pattern")
	ErrUndeclaredParam  = errors.New("destination references undeclared parameter")
	ErrDuplicateParam   = errors.New("duplicate parameter name")
	ErrInvalidStatus    = errors.New("invalid redirect status code")
	ErrHostNotAllowed   = errors.New("image host is not allowed")
	ErrFormatNotAllowed = errors.New("image format is not allowed")
	ErrImageRequest     = errors.New("invalid image request")
	ErrUpstreamFailed   = errors.New("upstream request failed")
)

// RuleKind names the table a rule belongs to.
type RuleKind string

// Rule kinds.
const (
	RuleKindHeader   RuleKind = "header"
	RuleKindRewrite  RuleKind = "rewrite"
	RuleKindRedirect RuleKind = "redirect"
	RuleKindImage    RuleKind = "image"
)

// PolicyError identifies the rule that failed to compile.
type PolicyError struct {
	Kind   RuleKind
	Index  int
	Source string
	Err    error
}

func (e *PolicyError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("%s rule %d: %v", e.Kind, e.Index, e.Err)
	}
	return fmt.Sprintf("%s rule %d (%s): %v", e.Kind, e.Index, e.Source, e.Err)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}
