// Package bot routes inbound conversational events to the linking flow or
// the reconciliation engine and turns the results into outgoing-text intents.
// It is transport-agnostic: delivery, retries and rate limits belong to
// whatever transport feeds it.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/encody/duopow/linkflow"
	"github.com/encody/duopow/reconcile"
)

// Event is one inbound message. Command is empty for plain text; the
// transport is responsible for splitting commands from free text.
type Event struct {
	ConversationID string
	Command        string
	Args           []string
	Text           string
}

// Reply is an outgoing-text intent for the transport to deliver.
type Reply struct {
	ConversationID string
	Text           string
}

const helpText = `Supported commands:
/link — link your Duolingo account to a reward address
/check <username> — compare off-chain XP and address against the chain
/register <username> — register (or update the address of) an account on-chain
/update <username> — mint the XP earned since the last report
/unregister <username> — remove an account from the chain
/cancel — abort the current linking flow
/help — this text`

const genericFailure = "Something went wrong talking to Duolingo or the chain. Nothing was changed on your side; please try again."

// Dispatcher owns the routing policy: events for a conversation mid-flow go
// to the linking machine, idle-session commands naming a user go straight to
// the reconciliation engine. One conversation is processed strictly in
// arrival order; different conversations interleave freely.
type Dispatcher struct {
	sessions *linkflow.Directory
	machine  *linkflow.Machine
	engine   *reconcile.Engine
	logger   *slog.Logger
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(sessions *linkflow.Directory, machine *linkflow.Machine, engine *reconcile.Engine, logger *slog.Logger) (*Dispatcher, error) {
	if sessions == nil || machine == nil || engine == nil {
		return nil, errors.New("sessions, machine and engine required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sessions: sessions, machine: machine, engine: engine, logger: logger}, nil
}

// Handle processes one event and returns the reply to deliver. It never
// returns an error: failures are folded into user-facing text, with the
// session state left so the user can retry the failed step.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) Reply {
	var text string
	_ = d.sessions.Mutate(ev.ConversationID, func(session *linkflow.Session) error {
		text = d.step(ctx, session, ev)
		return nil
	})
	return Reply{ConversationID: ev.ConversationID, Text: text}
}

func (d *Dispatcher) step(ctx context.Context, session *linkflow.Session, ev Event) string {
	if ev.Command == "" {
		reply, err := d.machine.Step(ctx, session, linkflow.Text{Body: ev.Text})
		if err != nil {
			d.logger.Error("linking step failed", "conversation", ev.ConversationID, "phase", session.Phase.String(), "err", err)
			return genericFailure
		}
		return reply
	}

	// A recognised command arriving mid-flow is an implicit cancel: the
	// session resets and the command is then processed fresh. Anything
	// unrecognised never touches the session.
	var prefix string
	if !session.Idle() && recognised(ev.Command) && ev.Command != "cancel" && ev.Command != "link" {
		*session = linkflow.Session{}
		prefix = "Linking cancelled. "
	}

	switch ev.Command {
	case "help", "start":
		return prefix + helpText
	case "link", "cancel":
		reply, err := d.machine.Step(ctx, session, linkflow.Command{Name: ev.Command, Args: ev.Args})
		if err != nil {
			d.logger.Error("linking step failed", "conversation", ev.ConversationID, "err", err)
			return genericFailure
		}
		return reply
	case "check", "register", "update", "unregister":
		if len(ev.Args) == 0 || strings.TrimSpace(ev.Args[0]) == "" {
			return prefix + fmt.Sprintf("Usage: /%s <duolingo username>", ev.Command)
		}
		return prefix + d.reconcilePass(ctx, ev.Command, strings.TrimSpace(ev.Args[0]))
	default:
		if session.Idle() {
			return "Unknown command. " + helpText
		}
		reply, err := d.machine.Step(ctx, session, linkflow.Command{Name: ev.Command, Args: ev.Args})
		if err != nil {
			d.logger.Error("linking step failed", "conversation", ev.ConversationID, "err", err)
			return genericFailure
		}
		return "Unknown command. " + reply
	}
}

func recognised(command string) bool {
	switch command {
	case "help", "start", "link", "cancel", "check", "register", "update", "unregister":
		return true
	}
	return false
}

func (d *Dispatcher) reconcilePass(ctx context.Context, op, handle string) string {
	switch op {
	case "check":
		report, err := d.engine.Check(ctx, handle)
		if err != nil {
			return d.describeError(op, handle, err)
		}
		if !report.Registered {
			return fmt.Sprintf("%s is linked to %s but not registered on-chain yet. %d XP would be credited on registration.",
				report.Handle, report.BioAddress.Hex(), report.OffChainXP)
		}
		addrNote := "Addresses match."
		if !report.AddressesOK {
			addrNote = fmt.Sprintf("Bio says %s but the chain has %s — run /register to update.",
				report.BioAddress.Hex(), report.ChainAddress.Hex())
		}
		return fmt.Sprintf("%s: %d XP off-chain, %s reported on-chain. %s Mintable: %s XP.",
			report.Handle, report.OffChainXP, report.ReportedXP, addrNote, report.MintableDelta)
	case "register":
		result, err := d.engine.RegisterOrUpdate(ctx, handle)
		if err != nil {
			return d.describeError(op, handle, err)
		}
		switch result.Outcome {
		case reconcile.OutcomeRegistered:
			return fmt.Sprintf("Registered! %s is now bound to id %d (tx %s). Rewards settle once the transaction lands.",
				result.Address.Hex(), result.ExternalID, result.TxHash.Hex())
		case reconcile.OutcomeAddressUpdated:
			return fmt.Sprintf("Address updated to %s (tx %s).", result.Address.Hex(), result.TxHash.Hex())
		default:
			return "Already registered with that address; nothing to do."
		}
	case "update":
		result, err := d.engine.UpdateRewards(ctx, handle)
		if err != nil {
			return d.describeError(op, handle, err)
		}
		if result.Minted.Sign() == 0 {
			return "Nothing to mint yet — you need to earn more XP first."
		}
		return fmt.Sprintf("Minted %s XP worth of rewards (tx %s).", result.Minted, result.TxHash.Hex())
	case "unregister":
		hash, err := d.engine.Unregister(ctx, handle)
		if err != nil {
			return d.describeError(op, handle, err)
		}
		return fmt.Sprintf("Unregistered (tx %s).", hash.Hex())
	default:
		return helpText
	}
}

func (d *Dispatcher) describeError(op, handle string, err error) string {
	switch {
	case errors.Is(err, reconcile.ErrUserNotFound):
		return fmt.Sprintf("No Duolingo user named %q.", handle)
	case errors.Is(err, reconcile.ErrNoAddressLinked):
		return fmt.Sprintf("%s has no reward address in their bio. Use /link first.", handle)
	case errors.Is(err, reconcile.ErrNotRegistered):
		return fmt.Sprintf("%s is not registered on-chain. Use /register first.", handle)
	default:
		d.logger.Error("reconciliation pass failed", "operation", op, "handle", handle, "err", err)
		return genericFailure
	}
}
