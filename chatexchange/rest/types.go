package rest

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Field is one name/value pair of a form body or query string.
// Order is preserved on the wire.
type Field struct {
	Name  string
	Value string
}

// Fields builds fields from alternating names and values. A trailing
// name without a value is dropped.
func Fields(kv ...string) []Field {
	out := make([]Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, Field{Name: kv[i], Value: kv[i+1]})
	}
	return out
}

// EncodeForm encodes fields as application/x-www-form-urlencoded without
// reordering them (url.Values sorts by key).
func EncodeForm(fields []Field) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(f.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(f.Value))
	}
	return b.String()
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// StatusError is returned for non-2xx responses when errors are not ignored.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest: %s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// IsStatus reports whether err is a *StatusError with the given status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == status
	}
	return false
}
