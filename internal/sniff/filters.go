package sniff

import (
	"fmt"
	"regexp"

	"github.com/hashicorp/go-multierror"
)

// Filters is a list of host name patterns reserved for TLS bypass. A nil
// Filters matches nothing.
type Filters struct {
	patterns []*regexp.Regexp
}

// CompileFilters compiles exprs. Every invalid expression is reported.
func CompileFilters(exprs []string) (*Filters, error) {
	var result *multierror.Error
	f := &Filters{}
	for _, e := range exprs {
		re, err := regexp.Compile(e)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("bypass host %q: %w", e, err))
			continue
		}
		f.patterns = append(f.patterns, re)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return f, nil
}

// Len returns the number of patterns.
func (f *Filters) Len() int {
	if f == nil {
		return 0
	}
	return len(f.patterns)
}

// Match reports whether host matches any pattern.
func (f *Filters) Match(host string) bool {
	if f == nil || host == "" {
		return false
	}
	for _, re := range f.patterns {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}
