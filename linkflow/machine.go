package linkflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/encody/duopow/duolingo"
	"github.com/encody/duopow/ethaddr"
)

// ProfileClient is the subset of the Duolingo client the flow depends on.
type ProfileClient interface {
	FetchByHandle(ctx context.Context, handle string) (duolingo.Identity, error)
	FetchByIDAuthenticated(ctx context.Context, externalID uint64, credential string) (duolingo.Identity, error)
	WriteBio(ctx context.Context, externalID uint64, credential, newBio string) error
}

const (
	promptHandle     = "Which Duolingo username should I link? Send just the username."
	promptAddress    = "Now send the reward address (0x followed by 40 hex digits)."
	promptCredential = "Finally, send your Duolingo session token (JWT). It is only used once, to write the address into your bio."
	usageHint        = "Send /link to start linking an account, or /cancel to abort the current flow."
)

// Machine advances linking sessions. Step is the only entry point: given the
// current session and one inbound event it returns the user-facing reply and
// mutates the session to the next state. Parsing and lookup misses re-prompt
// in place; only transport failures surface as errors, with the session left
// unchanged so the user can retry the same step.
type Machine struct {
	profiles ProfileClient
	logger   *slog.Logger
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithLogger installs a custom logger.
func WithLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) { m.logger = logger }
}

// NewMachine constructs the linking state machine.
func NewMachine(profiles ProfileClient, opts ...MachineOption) (*Machine, error) {
	if profiles == nil {
		return nil, errors.New("profile client required")
	}
	m := &Machine{profiles: profiles, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Step applies one event to a session.
func (m *Machine) Step(ctx context.Context, session *Session, event Event) (string, error) {
	switch ev := event.(type) {
	case Command:
		return m.stepCommand(session, ev)
	case Text:
		return m.stepText(ctx, session, ev)
	default:
		return usageHint, nil
	}
}

func (m *Machine) stepCommand(session *Session, cmd Command) (string, error) {
	switch cmd.Name {
	case "link":
		*session = Session{Phase: PhaseAwaitingHandle}
		return promptHandle, nil
	case "cancel":
		if session.Idle() {
			return "Nothing to cancel. " + usageHint, nil
		}
		*session = Session{}
		return "Linking cancelled.", nil
	default:
		// Commands the flow does not understand re-prompt the current step
		// instead of silently dropping the session.
		return m.reprompt(session), nil
	}
}

func (m *Machine) reprompt(session *Session) string {
	switch session.Phase {
	case PhaseAwaitingHandle:
		return promptHandle
	case PhaseAwaitingAddress:
		return promptAddress
	case PhaseAwaitingCredential:
		return promptCredential
	default:
		return usageHint
	}
}

func (m *Machine) stepText(ctx context.Context, session *Session, ev Text) (string, error) {
	switch session.Phase {
	case PhaseStart:
		return usageHint, nil
	case PhaseAwaitingHandle:
		return m.acceptHandle(ctx, session, ev.Body)
	case PhaseAwaitingAddress:
		return m.acceptAddress(session, ev.Body)
	case PhaseAwaitingCredential:
		return m.acceptCredential(ctx, session, ev.Body)
	default:
		return "", fmt.Errorf("linkflow: unknown phase %d", session.Phase)
	}
}

func (m *Machine) acceptHandle(ctx context.Context, session *Session, body string) (string, error) {
	handle := strings.TrimSpace(body)
	if handle == "" {
		return promptHandle, nil
	}
	identity, err := m.profiles.FetchByHandle(ctx, handle)
	if errors.Is(err, duolingo.ErrNotFound) {
		return fmt.Sprintf("I couldn't find a Duolingo user named %q. Try again.", handle), nil
	}
	if err != nil {
		return "", err
	}
	session.Phase = PhaseAwaitingAddress
	session.Handle = identity.Handle

	reply := fmt.Sprintf("Found %s (%d XP). %s", identity.Handle, identity.TotalXP, promptAddress)
	if existing, ok := ethaddr.Extract(identity.Bio); ok {
		reply = fmt.Sprintf("Found %s (%d XP). The bio already contains %s; sending a new address will replace it. %s",
			identity.Handle, identity.TotalXP, existing.Hex(), promptAddress)
	}
	return reply, nil
}

func (m *Machine) acceptAddress(session *Session, body string) (string, error) {
	addr, err := ethaddr.Parse(body)
	switch {
	case errors.Is(err, ethaddr.ErrChecksumMismatch):
		return "That address has a bad checksum. Double-check it and send it again.", nil
	case err != nil:
		return "That doesn't look like an address. " + promptAddress, nil
	}
	session.Phase = PhaseAwaitingCredential
	session.Address = addr
	return promptCredential, nil
}

func (m *Machine) acceptCredential(ctx context.Context, session *Session, body string) (string, error) {
	credential := strings.TrimSpace(body)
	externalID, err := duolingo.DecodeExternalID(credential)
	if err != nil {
		return "That token doesn't decode. " + promptCredential, nil
	}
	identity, err := m.profiles.FetchByIDAuthenticated(ctx, externalID, credential)
	if err != nil {
		return "", err
	}
	newBio := ethaddr.RewriteBio(identity.Bio, session.Address)
	if err := m.profiles.WriteBio(ctx, externalID, credential, newBio); err != nil {
		return "", err
	}
	m.logger.Info("bio updated with reward address",
		"external_id", externalID,
		"address", session.Address.Hex(),
	)
	done := fmt.Sprintf("Done! Your bio now contains %s. Use /register %s to put it on-chain.",
		session.Address.Hex(), session.Handle)
	*session = Session{}
	return done, nil
}
