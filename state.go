package forum

import (
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition is returned when a connection status change is not
// allowed from the current status.
var ErrIllegalTransition = errors.New("illegal connection state transition")

// ConnectionStatus is the lifecycle position of the realtime socket.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("ConnectionStatus(%d)", int(s))
	}
}

// ConnectionState is the shared connection bookkeeping read by every
// messaging component.
type ConnectionState struct {
	Status            ConnectionStatus
	ReconnectAttempts int
	// Intentional is set before a deliberate close so the close handler does
	// not schedule a reconnect.
	Intentional      bool
	LastHeartbeatAck time.Time
}

var allowedTransitions = map[ConnectionStatus][]ConnectionStatus{
	StatusDisconnected: {StatusConnecting},
	StatusConnecting:   {StatusConnected, StatusDisconnected},
	StatusConnected:    {StatusDisconnected},
}

// transition moves the state to the given status. Moving into connected
// resets ReconnectAttempts.
func (s *ConnectionState) transition(to ConnectionStatus) error {
	if s.Status == to {
		return nil
	}
	for _, next := range allowedTransitions[s.Status] {
		if next == to {
			s.Status = to
			if to == StatusConnected {
				s.ReconnectAttempts = 0
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Status, to)
}
