package core

import (
	"maps"
	"net/http"
)

// Params holds query parameters for a REST call.
type Params map[string]any

// Security describes what authentication an endpoint needs.
type Security int

const (
	// SecurityNone endpoints are public.
	SecurityNone Security = iota
	// SecurityUserStream endpoints need the API key header but no signature.
	SecurityUserStream
	// SecuritySigned endpoints need the API key header and an HMAC signature.
	SecuritySigned
)

// String returns the string representation of the security level.
func (s Security) String() string {
	switch s {
	case SecurityNone:
		return "NONE"
	case SecurityUserStream:
		return "USER_STREAM"
	case SecuritySigned:
		return "SIGNED"
	default:
		return "UNKNOWN"
	}
}

// NeedsAPIKey reports whether the API key header must be attached.
func (s Security) NeedsAPIKey() bool {
	return s == SecurityUserStream || s == SecuritySigned
}

// Request describes one REST call: where it goes, what it costs against the
// published weight budget, and how it is authenticated.
type Request struct {
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	Query        Params            `json:"query,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Weight       int               `json:"weight"`
	HighPriority bool              `json:"high_priority"`
	Security     Security          `json:"security"`
}

// NewRequest creates a request of weight 1 with no authentication.
func NewRequest(method, path string) *Request {
	return &Request{
		Method:  method,
		Path:    path,
		Query:   make(Params),
		Headers: make(map[string]string),
		Weight:  1,
	}
}

// Get is shorthand for NewRequest(http.MethodGet, path).
func Get(path string) *Request {
	return NewRequest(http.MethodGet, path)
}

func (r *Request) SetQuery(key string, value any) *Request {
	if r.Query == nil {
		r.Query = make(Params)
	}
	r.Query[key] = value
	return r
}

func (r *Request) SetQueryParams(params Params) *Request {
	if r.Query == nil {
		r.Query = make(Params)
	}
	maps.Copy(r.Query, params)
	return r
}

func (r *Request) SetHeader(key, value string) *Request {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
	return r
}

func (r *Request) SetWeight(weight int) *Request {
	r.Weight = weight
	return r
}

func (r *Request) SetHighPriority(high bool) *Request {
	r.HighPriority = high
	return r
}

func (r *Request) SetSecurity(s Security) *Request {
	r.Security = s
	return r
}
