package core

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest(http.MethodPost, "/api/v3/userDataStream")

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/v3/userDataStream", req.Path)
	assert.Equal(t, 1, req.Weight)
	assert.False(t, req.HighPriority)
	assert.Equal(t, SecurityNone, req.Security)
	assert.NotNil(t, req.Query)
	assert.NotNil(t, req.Headers)
}

func TestRequest_Builder(t *testing.T) {
	req := Get("/api/v3/account").
		SetWeight(20).
		SetHighPriority(true).
		SetSecurity(SecuritySigned).
		SetQuery("omitZeroBalances", true).
		SetQueryParams(Params{"a": 1, "b": "two"}).
		SetHeader("X-Test", "1")

	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, 20, req.Weight)
	assert.True(t, req.HighPriority)
	assert.Equal(t, SecuritySigned, req.Security)
	assert.Equal(t, Params{"omitZeroBalances": true, "a": 1, "b": "two"}, req.Query)
	assert.Equal(t, "1", req.Headers["X-Test"])
}

func TestRequest_NilMaps(t *testing.T) {
	req := &Request{}
	req.SetQuery("k", "v").SetHeader("h", "v").SetQueryParams(Params{"x": 1})

	assert.Len(t, req.Query, 2)
	assert.Len(t, req.Headers, 1)
}

func TestSecurity(t *testing.T) {
	tests := []struct {
		security   Security
		name       string
		needsKey   bool
	}{
		{SecurityNone, "NONE", false},
		{SecurityUserStream, "USER_STREAM", true},
		{SecuritySigned, "SIGNED", true},
		{Security(9), "UNKNOWN", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.security.String())
			assert.Equal(t, tt.needsKey, tt.security.NeedsAPIKey())
		})
	}
}
