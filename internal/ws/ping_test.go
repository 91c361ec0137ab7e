package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPing(t *testing.T) {
	tests := []struct {
		frame string
		want  bool
	}{
		{"ping", true},
		{"PING\n", true},
		{" ping ", true},
		{`{"ping":1}`, false},
		{"pong", false},
		{"Ping", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsPing([]byte(tt.frame)), "frame %q", tt.frame)
	}
}
