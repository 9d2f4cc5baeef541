package render

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// allowedSchemes lists the URL schemes the browser may navigate to or load
// sub-resources from.
var allowedSchemes = map[string]struct{}{
	"http":  {},
	"https": {},
	"data":  {},
}

// Restrictions applies the host allow-rule to target URLs. The same rule
// gates the initial navigation and every intercepted sub-resource request.
type Restrictions struct {
	deny *regexp.Regexp
}

// NewRestrictions compiles the deny pattern. The pattern is matched
// case-insensitively against the host component; an empty pattern denies
// nothing.
func NewRestrictions(denyPattern string) (*Restrictions, error) {
	if strings.TrimSpace(denyPattern) == "" {
		return &Restrictions{}, nil
	}
	re, err := regexp.Compile("(?i)" + denyPattern)
	if err != nil {
		return nil, fmt.Errorf("compile host deny pattern: %w", err)
	}
	return &Restrictions{deny: re}, nil
}

// Allow returns nil when the URL passes the allow-rule: scheme in
// {http, https, data}, no user-info component, and a host that does not
// match the deny pattern. Violations return a *ForbiddenHostError.
func (r *Restrictions) Allow(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &ForbiddenHostError{URL: rawURL}
	}
	if _, ok := allowedSchemes[strings.ToLower(u.Scheme)]; !ok {
		return &ForbiddenHostError{URL: rawURL}
	}
	if u.User != nil {
		return &ForbiddenHostError{URL: rawURL}
	}
	if r != nil && r.deny != nil && u.Hostname() != "" && r.deny.MatchString(u.Hostname()) {
		return &ForbiddenHostError{URL: rawURL}
	}
	return nil
}
