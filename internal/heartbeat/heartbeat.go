/**
 * CONTEXT:   Proof-of-life file updated on every durably persisted hook event
 * INPUT:     Successful Event Store appends
 * OUTPUT:    A touched file mtime external health UIs can poll without the IPC protocol
 * BUSINESS:  "a heartbeat file updated whenever a hook event has been successfully
 *             persisted" (spec.md §6) — a decorator keeps this out of the Reducer's own logic
 * CHANGE:    New component; the teacher has no on-disk liveness signal to generalize from
 * RISK:      Low - a failed heartbeat touch never blocks or fails the underlying append
 */
package heartbeat

import (
	"context"
	"os"
	"time"

	"github.com/claude-monitor/capacitor/internal/arch"
	"github.com/claude-monitor/capacitor/internal/events"
)

// Appender is the narrow Event Store view this decorator wraps.
type Appender interface {
	Append(ctx context.Context, e *events.Event, outcome string) (int64, error)
}

// Toucher wraps an Appender, touching path after every successful append.
type Toucher struct {
	next Appender
	path string
	log  arch.Logger
}

func NewToucher(next Appender, path string, log arch.Logger) *Toucher {
	return &Toucher{next: next, path: path, log: log}
}

func (t *Toucher) Append(ctx context.Context, e *events.Event, outcome string) (int64, error) {
	seq, err := t.next.Append(ctx, e, outcome)
	if err != nil {
		return seq, err
	}
	if touchErr := touch(t.path); touchErr != nil {
		t.log.Warn("failed to update heartbeat file", "path", t.path, "error", touchErr)
	}
	return seq, nil
}

func touch(path string) error {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}
