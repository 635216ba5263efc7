package lifecycle

import (
	"fmt"
	"time"
)

// State is the externally observable connection state.
type State int

const (
	StateDown State = iota
	StateConnecting
	StateUp
	StateDisconnecting
)

var stateNames = [...]string{
	StateDown:          "DOWN",
	StateConnecting:    "CONNECTING",
	StateUp:            "UP",
	StateDisconnecting: "DISCONNECTING",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Busy reports whether s is transitional.
func (s State) Busy() bool { return s == StateConnecting || s == StateDisconnecting }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Status is what observers see. Handles and sessions never appear here.
type Status struct {
	State  State  `json:"state"`
	Tunnel string `json:"tunnel,omitempty"`

	// LastError is the latched terminal error. A new connect clears it.
	LastError string `json:"lastError,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`

	// Message carries transient information such as retry progress.
	Message string `json:"message,omitempty"`

	// Display is the one-line text for a notification or status bar.
	Display string `json:"display"`

	Attempt     int `json:"attempt,omitempty"`
	MaxAttempts int `json:"maxAttempts,omitempty"`

	Since time.Time `json:"since"`
}

// sameAs compares everything but Since.
func (s Status) sameAs(o Status) bool {
	s.Since, o.Since = time.Time{}, time.Time{}
	return s == o
}

func displayText(st Status) string {
	name := st.Tunnel
	if name == "" {
		name = "tunnel"
	}
	switch st.State {
	case StateConnecting:
		if st.Attempt > 1 {
			return fmt.Sprintf("Connecting to %s (attempt %d/%d)...", name, st.Attempt, st.MaxAttempts)
		}
		return fmt.Sprintf("Connecting to %s...", name)
	case StateUp:
		return "Connected to " + name
	case StateDisconnecting:
		return "Disconnecting..."
	default:
		switch {
		case st.LastError != "":
			return "Error: " + st.LastError
		case st.Message != "":
			return st.Message
		default:
			return "Disconnected"
		}
	}
}
