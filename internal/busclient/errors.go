package busclient

import "fmt"

// ErrNotConnected is returned when Publish* or Subscribe is called
// while the client is not in the Connected state, so callers can
// branch on the failure kind rather than match strings.
type ErrNotConnected struct {
	Op    string
	Topic string
}

func (e *ErrNotConnected) Error() string {
	return fmt.Sprintf("busclient: %s %s: not connected", e.Op, e.Topic)
}
