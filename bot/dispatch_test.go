package bot

import (
	"context"
	"encoding/base64"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/encody/duopow/duolingo"
	"github.com/encody/duopow/linkflow"
	"github.com/encody/duopow/reconcile"
)

var linkedAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")

type fakeProfiles struct {
	mu       sync.Mutex
	users    map[string]duolingo.Identity
	bioWrote string
}

func (f *fakeProfiles) FetchByHandle(_ context.Context, handle string) (duolingo.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.users[handle]
	if !ok {
		return duolingo.Identity{}, duolingo.ErrNotFound
	}
	return identity, nil
}

func (f *fakeProfiles) FetchXP(_ context.Context, id uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, identity := range f.users {
		if identity.ExternalID == id {
			return identity.TotalXP, nil
		}
	}
	return 0, nil
}

func (f *fakeProfiles) FetchByIDAuthenticated(_ context.Context, id uint64, _ string) (duolingo.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, identity := range f.users {
		if identity.ExternalID == id {
			return identity, nil
		}
	}
	return duolingo.Identity{}, duolingo.ErrNotFound
}

func (f *fakeProfiles) WriteBio(_ context.Context, _ uint64, _, newBio string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bioWrote = newBio
	return nil
}

type fakeRegistry struct {
	addr      common.Address
	xp        *big.Int
	registers int
	reports   int
}

func (f *fakeRegistry) Lookup(_ context.Context, _ uint64) (common.Address, *big.Int, error) {
	return f.addr, f.xp, nil
}

func (f *fakeRegistry) Register(_ context.Context, _ uint64, _ common.Address, _ *big.Int) (common.Hash, error) {
	f.registers++
	return common.HexToHash("0x01"), nil
}

func (f *fakeRegistry) UpdateAddress(_ context.Context, _ uint64, _ common.Address) (common.Hash, error) {
	return common.HexToHash("0x02"), nil
}

func (f *fakeRegistry) ReportXP(_ context.Context, _ uint64, _ *big.Int) (common.Hash, error) {
	f.reports++
	return common.HexToHash("0x03"), nil
}

func (f *fakeRegistry) Unregister(_ context.Context, _ uint64) (common.Hash, error) {
	return common.HexToHash("0x04"), nil
}

func newTestDispatcher(t *testing.T, profiles *fakeProfiles, registry *fakeRegistry) *Dispatcher {
	t.Helper()
	machine, err := linkflow.NewMachine(profiles)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	engine, err := reconcile.New(profiles, registry)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	dispatcher, err := NewDispatcher(linkflow.NewDirectory(), machine, engine, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return dispatcher
}

func aliceProfiles() *fakeProfiles {
	return &fakeProfiles{users: map[string]duolingo.Identity{
		"alice": {ExternalID: 42, Handle: "alice", Bio: "hi " + linkedAddr.Hex(), TotalXP: 500},
	}}
}

func credential(sub string) string {
	seg := func(v string) string { return base64.RawURLEncoding.EncodeToString([]byte(v)) }
	return seg(`{"alg":"HS256"}`) + "." + seg(`{"sub":"`+sub+`"}`) + "." + seg("sig")
}

func TestLinkFlowThroughDispatcher(t *testing.T) {
	t.Parallel()

	profiles := aliceProfiles()
	dispatcher := newTestDispatcher(t, profiles, &fakeRegistry{addr: linkedAddr, xp: big.NewInt(300)})
	ctx := context.Background()

	send := func(line string) string {
		return dispatcher.Handle(ctx, ParseLine("chat-1", line)).Text
	}

	if reply := send("/link"); !strings.Contains(reply, "username") {
		t.Fatalf("unexpected link prompt: %q", reply)
	}
	if reply := send("alice"); !strings.Contains(reply, "alice") {
		t.Fatalf("unexpected handle reply: %q", reply)
	}
	send(linkedAddr.Hex())
	if reply := send(credential("42")); !strings.Contains(reply, "Done!") {
		t.Fatalf("unexpected completion reply: %q", reply)
	}
	if profiles.bioWrote == "" {
		t.Fatal("expected a bio write")
	}
}

func TestReconcileCommands(t *testing.T) {
	t.Parallel()

	registry := &fakeRegistry{addr: linkedAddr, xp: big.NewInt(300)}
	dispatcher := newTestDispatcher(t, aliceProfiles(), registry)
	ctx := context.Background()

	reply := dispatcher.Handle(ctx, Event{ConversationID: "c", Command: "check", Args: []string{"alice"}})
	if !strings.Contains(reply.Text, "200") {
		t.Fatalf("check must report the 200 XP delta: %q", reply.Text)
	}

	reply = dispatcher.Handle(ctx, Event{ConversationID: "c", Command: "update", Args: []string{"alice"}})
	if !strings.Contains(reply.Text, "200") || registry.reports != 1 {
		t.Fatalf("update must mint 200: %q (reports=%d)", reply.Text, registry.reports)
	}

	reply = dispatcher.Handle(ctx, Event{ConversationID: "c", Command: "check", Args: []string{"ghost"}})
	if !strings.Contains(reply.Text, "ghost") {
		t.Fatalf("unknown handle must be named: %q", reply.Text)
	}

	reply = dispatcher.Handle(ctx, Event{ConversationID: "c", Command: "register"})
	if !strings.Contains(reply.Text, "Usage") {
		t.Fatalf("missing argument must print usage: %q", reply.Text)
	}
}

func TestCommandMidFlowIsImplicitCancel(t *testing.T) {
	t.Parallel()

	profiles := aliceProfiles()
	dispatcher := newTestDispatcher(t, profiles, &fakeRegistry{addr: linkedAddr, xp: big.NewInt(300)})
	ctx := context.Background()

	dispatcher.Handle(ctx, Event{ConversationID: "c", Command: "link"})
	dispatcher.Handle(ctx, Event{ConversationID: "c", Text: "alice"})

	reply := dispatcher.Handle(ctx, Event{ConversationID: "c", Command: "check", Args: []string{"alice"}})
	if !strings.Contains(reply.Text, "Linking cancelled") {
		t.Fatalf("mid-flow command must cancel the flow: %q", reply.Text)
	}

	// The session must be fresh: plain text is now a usage hint, not a handle.
	reply = dispatcher.Handle(ctx, Event{ConversationID: "c", Text: "bob"})
	if !strings.Contains(reply.Text, "/link") {
		t.Fatalf("expected usage hint on idle text: %q", reply.Text)
	}
}

func TestUnknownCommandMidFlowKeepsSession(t *testing.T) {
	t.Parallel()

	profiles := aliceProfiles()
	dispatcher := newTestDispatcher(t, profiles, &fakeRegistry{addr: linkedAddr, xp: big.NewInt(300)})
	ctx := context.Background()

	send := func(line string) string {
		return dispatcher.Handle(ctx, ParseLine("c", line)).Text
	}

	send("/link")
	send("alice")

	reply := send("/chck alice")
	if !strings.Contains(reply, "Unknown command") {
		t.Fatalf("typo'd command must be reported as unknown: %q", reply)
	}
	if strings.Contains(reply, "Linking cancelled") {
		t.Fatalf("typo'd command must not cancel the flow: %q", reply)
	}

	// The flow must still be waiting on the address and run to completion.
	send(linkedAddr.Hex())
	if reply := send(credential("42")); !strings.Contains(reply, "Done!") {
		t.Fatalf("flow must survive the unknown command: %q", reply)
	}
	if profiles.bioWrote == "" {
		t.Fatal("expected a bio write")
	}
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	ev := ParseLine("c", "/Check alice")
	if ev.Command != "check" || len(ev.Args) != 1 || ev.Args[0] != "alice" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	ev = ParseLine("c", "just some text with /slash inside")
	if ev.Command != "" || ev.Text == "" {
		t.Fatalf("expected plain text event: %+v", ev)
	}
}
