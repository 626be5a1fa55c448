package tvtap

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
)

// ErrInvalidPattern is returned when a configured filter pattern does not compile.
var ErrInvalidPattern = errors.New("invalid pattern")

// Pattern is an optional, case-insensitive regular expression. A nil
// *Pattern allows everything.
type Pattern struct {
	expr string
	re   *regexp.Regexp
}

// CompilePattern compiles expr for case-insensitive substring search.
// An empty expression returns a nil Pattern and no error.
func CompilePattern(expr string) (*Pattern, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, expr, err)
	}
	return &Pattern{expr: expr, re: re}, nil
}

// Allows reports whether s matches anywhere. A nil pattern allows all input.
func (p *Pattern) Allows(s string) bool {
	if p == nil {
		return true
	}
	return p.re.MatchString(s)
}

// String returns the pattern as configured, or "" for a nil pattern.
func (p *Pattern) String() string {
	if p == nil {
		return ""
	}
	return p.expr
}

// DefaultMethods is the method allow-set used when none is configured.
var DefaultMethods = []string{http.MethodPut}

// Filters gates traffic by host, content and HTTP method. A Filters value is
// built once at startup and only read afterwards.
type Filters struct {
	// Host gates every callback by the flow's host name.
	Host *Pattern

	// Message gates decoded WebSocket message text.
	Message *Pattern

	// Request gates decoded HTTP request bodies, and the request URL when
	// the body is not text.
	Request *Pattern

	methods map[string]struct{}
}

// NewFilters builds a Filters value. Methods are matched case-insensitively;
// an empty list falls back to DefaultMethods.
func NewFilters(host, message, request *Pattern, methods []string) *Filters {
	if len(methods) == 0 {
		methods = DefaultMethods
	}
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
	}
	return &Filters{
		Host:    host,
		Message: message,
		Request: request,
		methods: set,
	}
}

// HostAllowed reports whether traffic for host should be considered at all.
func (f *Filters) HostAllowed(host string) bool {
	return f.Host.Allows(host)
}

// MessageAllowed reports whether WebSocket message text is interesting.
func (f *Filters) MessageAllowed(text string) bool {
	return f.Message.Allows(text)
}

// RequestAllowed reports whether an HTTP request body is interesting.
func (f *Filters) RequestAllowed(text string) bool {
	return f.Request.Allows(text)
}

// URLAllowed applies the request pattern to a URL. It is used when the
// request body is binary or absent.
func (f *Filters) URLAllowed(url string) bool {
	return f.Request.Allows(url)
}

// MethodAllowed reports whether requests with this method are intercepted.
func (f *Filters) MethodAllowed(method string) bool {
	_, ok := f.methods[strings.ToUpper(method)]
	return ok
}

// Methods returns the configured method allow-set, sorted.
func (f *Filters) Methods() []string {
	out := make([]string, 0, len(f.methods))
	for m := range f.methods {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}
