package models

import (
	"fmt"
	"regexp"
)

// Filter hides models from listings. It supports two matching modes:
//
//   - Exact match: the model id must equal the rule exactly.
//   - Regex match: the model id is tested against a compiled regexp.
//
// A nil *Filter matches nothing.
type Filter struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewFilter compiles the given rules. An invalid pattern is an error so
// misconfiguration surfaces at startup.
func NewFilter(exact, patterns []string) (*Filter, error) {
	f := &Filter{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			f.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("models: invalid exclusion pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}

	return f, nil
}

// Matches reports whether model is hidden.
func (f *Filter) Matches(model string) bool {
	if f == nil {
		return false
	}
	if _, ok := f.exact[model]; ok {
		return true
	}
	for _, re := range f.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the number of rules.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.exact) + len(f.patterns)
}

// Apply returns the ids of list that are not hidden, in order.
func (f *Filter) Apply(list []string) []string {
	if f.Len() == 0 {
		return list
	}
	out := make([]string, 0, len(list))
	for _, m := range list {
		if !f.Matches(m) {
			out = append(out, m)
		}
	}
	return out
}
