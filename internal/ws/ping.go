package ws

import "bytes"

// IsPing reports whether data is a bare "ping" or "PING" text frame. Servers
// send these as keepalives; they are not JSON and carry no payload.
func IsPing(data []byte) bool {
	t := bytes.TrimSpace(data)
	return bytes.Equal(t, []byte("ping")) || bytes.Equal(t, []byte("PING"))
}
