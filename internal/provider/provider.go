// Package provider turns a role-tagged transcript into an incremental text
// stream. Backends only decode their wire format into segments; the driver in
// this package owns the callback and cancellation contract for all of them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tokligence/streamchat/internal/chat"
)

// ErrUnknownRole rejects a transcript containing a role the backend cannot map.
var ErrUnknownRole = errors.New("provider: unknown message role")

// Outcome is the terminal state of one stream.
type Outcome int

const (
	Completed Outcome = iota + 1
	Errored
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Errored:
		return "errored"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result is the tagged result of Provider.Stream.
type Result struct {
	Outcome Outcome
	Text    string
	Err     error
}

// Callbacks receive stream progress. OnComplete and OnError are mutually
// exclusive and neither fires for a cancelled stream. Nil callbacks are skipped.
type Callbacks struct {
	OnToken    func(text string)
	OnComplete func(fullText string)
	OnError    func(err error)
	OnTool     func(seg Segment)
}

// Provider is the streaming completion abstraction consumed by the relay.
type Provider interface {
	Name() string
	Stream(ctx context.Context, messages []chat.Message, cb Callbacks) Result
}

// SegmentKind classifies a unit of backend output.
type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentToolUse
	SegmentToolResult
)

// Segment is one typed piece of backend output, in arrival order.
type Segment struct {
	Kind     SegmentKind
	Text     string
	ToolName string
	ToolID   string
}

// Stream yields segments until io.EOF.
type Stream interface {
	Recv() (Segment, error)
	Close() error
}

// Backend opens a streaming call against a concrete generation service.
type Backend interface {
	Name() string
	Open(ctx context.Context, messages []chat.Message) (Stream, error)
}

// New wraps a backend with the shared streaming contract.
func New(backend Backend) Provider {
	return &driver{backend: backend}
}

type driver struct {
	backend Backend
}

var _ Provider = (*driver)(nil)

func (d *driver) Name() string { return d.backend.Name() }

func (d *driver) Stream(ctx context.Context, messages []chat.Message, cb Callbacks) Result {
	if err := CheckRoles(messages); err != nil {
		return cb.fail(err)
	}
	if ctx.Err() != nil {
		return Result{Outcome: Cancelled}
	}

	stream, err := d.backend.Open(ctx, messages)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: Cancelled}
		}
		return cb.fail(err)
	}
	defer stream.Close()

	var text strings.Builder
	for {
		if ctx.Err() != nil {
			return Result{Outcome: Cancelled, Text: text.String()}
		}
		seg, err := stream.Recv()
		if ctx.Err() != nil {
			return Result{Outcome: Cancelled, Text: text.String()}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return cb.fail(err)
		}
		switch seg.Kind {
		case SegmentText:
			if seg.Text == "" {
				continue
			}
			text.WriteString(seg.Text)
			if cb.OnToken != nil {
				cb.OnToken(seg.Text)
			}
		default:
			if cb.OnTool != nil {
				cb.OnTool(seg)
			}
		}
	}

	full := text.String()
	if cb.OnComplete != nil {
		cb.OnComplete(full)
	}
	return Result{Outcome: Completed, Text: full}
}

func (cb Callbacks) fail(err error) Result {
	if cb.OnError != nil {
		cb.OnError(err)
	}
	return Result{Outcome: Errored, Err: err}
}

// CheckRoles fails fast on the first message with an unknown role.
func CheckRoles(messages []chat.Message) error {
	for i, m := range messages {
		if !m.Role.Valid() {
			return fmt.Errorf("%w %q at index %d", ErrUnknownRole, m.Role, i)
		}
	}
	return nil
}
