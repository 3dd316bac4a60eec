package router

import (
	"errors"
	"fmt"

	"github.com/richardartoul/cacherouter/pkg/metrics"
)

// State is the router's position in its lifecycle.
//
//	New -> Installing -> Waiting -> Activating -> Active
//	          \-> Redundant (install failed)
type State int

const (
	StateNew State = iota
	StateInstalling
	StateWaiting
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrInvalidState is returned when an event arrives in a state that
	// cannot handle it.
	ErrInvalidState = errors.New("invalid router state")

	// ErrUnknownMessage is returned for control messages of unknown type.
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrInvalidPayload is returned for malformed message or push bodies.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnavailable wraps the network error when an API request fails and
	// no fresh cached response exists.
	ErrUnavailable = errors.New("no network and no fresh cached response")
)

// transition moves to next if the current state is one of from.
func (r *Router) transition(op string, next State, from ...State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range from {
		if r.state == s {
			r.logger.Debug("state transition", "op", op, "from", r.state, "to", next)
			r.state = next
			return nil
		}
	}
	r.metrics.Event(metrics.EventRejectedCall)
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, r.state)
}

func (r *Router) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// require returns ErrInvalidState unless the current state is one of allowed.
func (r *Router) require(op string, allowed ...State) error {
	r.mu.RLock()
	state := r.state
	r.mu.RUnlock()
	for _, s := range allowed {
		if state == s {
			return nil
		}
	}
	r.metrics.Event(metrics.EventRejectedCall)
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, state)
}
