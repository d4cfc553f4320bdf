package bot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// ParseLine splits one raw message into an Event. Lines starting with "/"
// are commands; everything else is plain text. Command parsing otherwise
// belongs to the transport, but every transport funnels through this shape.
func ParseLine(conversationID, line string) Event {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		return Event{ConversationID: conversationID, Text: line}
	}
	fields := strings.Fields(strings.TrimPrefix(trimmed, "/"))
	if len(fields) == 0 {
		return Event{ConversationID: conversationID, Text: line}
	}
	return Event{
		ConversationID: conversationID,
		Command:        strings.ToLower(fields[0]),
		Args:           fields[1:],
	}
}

// Console is a line-oriented transport for local operation and smoke tests:
// it reads messages from r, feeds them through the dispatcher as a single
// conversation, and prints replies to w.
type Console struct {
	dispatcher     *Dispatcher
	conversationID string
}

// NewConsole wraps a dispatcher in the console transport.
func NewConsole(dispatcher *Dispatcher) *Console {
	return &Console{dispatcher: dispatcher, conversationID: "console"}
}

// Run blocks until r is exhausted or the context is cancelled.
func (c *Console) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		reply := c.dispatcher.Handle(ctx, ParseLine(c.conversationID, line))
		if _, err := fmt.Fprintln(w, reply.Text); err != nil {
			return err
		}
	}
	return scanner.Err()
}
