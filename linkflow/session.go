// Package linkflow drives the per-conversation account linking flow: it walks
// a user from unauthenticated to "address embedded in the Duolingo bio".
package linkflow

import "github.com/ethereum/go-ethereum/common"

// Phase is the closed set of linking states.
type Phase uint8

const (
	// PhaseStart is the initial (and terminal) state; no flow in progress.
	PhaseStart Phase = iota
	// PhaseAwaitingHandle waits for the user's Duolingo username.
	PhaseAwaitingHandle
	// PhaseAwaitingAddress waits for the reward address; Handle is set.
	PhaseAwaitingAddress
	// PhaseAwaitingCredential waits for the bearer token; Handle and Address are set.
	PhaseAwaitingCredential
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseAwaitingHandle:
		return "awaiting_handle"
	case PhaseAwaitingAddress:
		return "awaiting_address"
	case PhaseAwaitingCredential:
		return "awaiting_credential"
	default:
		return "unknown"
	}
}

// Session is the linking progress for one conversation. The zero value is a
// fresh idle session. Handle is only meaningful from PhaseAwaitingAddress
// onward and Address from PhaseAwaitingCredential onward; resetting to
// PhaseStart discards both.
type Session struct {
	Phase   Phase
	Handle  string
	Address common.Address
}

// Idle reports whether no linking flow is in progress.
func (s Session) Idle() bool { return s.Phase == PhaseStart }

// Event is an inbound conversational event: either a parsed command or plain
// text. The set is closed; the transition function switches over it
// exhaustively.
type Event interface{ isEvent() }

// Command is a recognised slash command with its arguments.
type Command struct {
	Name string
	Args []string
}

// Text is a plain message body.
type Text struct {
	Body string
}

func (Command) isEvent() {}
func (Text) isEvent()    {}
