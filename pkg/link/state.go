// Package link manages the single outbound TCP connection a session holds to the
// remote line-protocol server: dialing, login, auto-join, keepalive, inbound event
// processing and teardown.
package link

import (
	"errors"

	"github.com/aeolun/ttbridge/pkg/roster"
)

var (
	// ErrNotConnected is returned by operations that need a logged-in link.
	ErrNotConnected = errors.New("not connected to remote server")
	// ErrLinkActive is returned by Connect while a link is connecting or open.
	ErrLinkActive = errors.New("remote link already active")
	// ErrMissingHost is returned by Connect when no host was given.
	ErrMissingHost = errors.New("remote host is required")
	// ErrShutdown is returned once the manager has been shut down.
	ErrShutdown = errors.New("link manager shut down")
)

// State is the lifecycle position of a remote link
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateLoggedIn
	StateJoined
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLoggedIn:
		return "logged_in"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Active reports whether a link is being established or is open
func (s State) Active() bool {
	return s == StateConnecting || s == StateLoggedIn || s == StateJoined
}

// Open reports whether commands can be sent on the link
func (s State) Open() bool {
	return s == StateLoggedIn || s == StateJoined
}

// Phase labels a status notification sent to the client
type Phase string

const (
	PhaseReceived      Phase = "received"
	PhaseConnecting    Phase = "connecting"
	PhaseConnected     Phase = "connected"
	PhaseLoginSent     Phase = "login-sent"
	PhaseJoinSent      Phase = "join-sent"
	PhaseServerMessage Phase = "server-message"
	PhaseDisconnected  Phase = "disconnected"
	PhaseError         Phase = "error"
)

// Target identifies the remote server and the credentials forwarded to it
type Target struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Notifier receives everything a link wants to tell its session's client
type Notifier interface {
	Status(phase Phase, message string)
	Chat(from, channel, text string)
	Roster(channels []roster.Channel, users []roster.User)
	CurrentChannel(path string)
}

// Observer receives link activity for instrumentation
type Observer interface {
	StateChanged(from, to State)
	LineSent(verb string)
	LineReceived(verb string)
}
