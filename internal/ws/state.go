package ws

import "sync/atomic"

// ConnState represents the lifecycle state of a stream connection.
type ConnState int32

const (
	// StateClosed is the initial and final state.
	StateClosed ConnState = iota
	// StateConnecting is set while the first connection is being dialed.
	StateConnecting
	// StateActive means a connection is established and usable.
	StateActive
	// StateReconnecting is set after an unexpected drop until a new
	// connection is established.
	StateReconnecting
	// StateClosing is set while Close tears the connection down.
	StateClosing
)

var stateNames = [...]string{
	"closed",
	"connecting",
	"active",
	"reconnecting",
	"closing",
}

func (s ConnState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// State provides thread-safe atomic access to a ConnState value.
type State struct {
	state atomic.Int32
}

func (s *State) Load() ConnState {
	return ConnState(s.state.Load())
}

func (s *State) Store(state ConnState) {
	s.state.Store(int32(state))
}

// CompareAndSwap atomically swaps to new if the current state is old.
func (s *State) CompareAndSwap(old, new ConnState) bool {
	return s.state.CompareAndSwap(int32(old), int32(new))
}
