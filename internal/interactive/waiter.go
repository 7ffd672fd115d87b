package interactive

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
)

// Terminal is one session's pane as seen by a waiter.
type Terminal interface {
	// Type injects text followed by Enter.
	Type(ctx context.Context, text string) error
	Capture(ctx context.Context, lines int) (string, error)
}

// OutputWaiter decides when a command's output is ready to read. The
// terminal offers no completion signal, so every strategy is a heuristic.
type OutputWaiter interface {
	Send(ctx context.Context, t Terminal, command string, lines int) (string, error)
}

// DelayWaiter types the command, waits a fixed settle delay and snapshots
// the pane. A slow command is captured mid-flight.
type DelayWaiter struct {
	Settle time.Duration
	Sleep  func(ctx context.Context, d time.Duration) error
}

func (w DelayWaiter) Send(ctx context.Context, t Terminal, command string, lines int) (string, error) {
	if err := t.Type(ctx, command); err != nil {
		return "", err
	}
	sleep := w.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	if err := sleep(ctx, w.Settle); err != nil {
		return "", err
	}
	return t.Capture(ctx, lines)
}

// ErrMarkerTimeout is returned with the last snapshot when the marker
// never showed up.
var ErrMarkerTimeout = errors.New("completion marker not seen")

// MarkerWaiter appends a printf of a unique token to the command and polls
// the pane until the token is printed. It only works when the pane runs a
// shell that executes what is typed.
type MarkerWaiter struct {
	Timeout  time.Duration
	Interval time.Duration
	Sleep    func(ctx context.Context, d time.Duration) error
}

func (w MarkerWaiter) Send(ctx context.Context, t Terminal, command string, lines int) (string, error) {
	token := "werkstatt-done-" + uuid.NewString()[:8]
	// Split in two so the echoed command line itself never matches.
	half := len(token) / 2
	printf := shellquote.Join("printf", `%s%s\n`, token[:half], token[half:])
	if err := t.Type(ctx, command+"; "+printf); err != nil {
		return "", err
	}

	interval := w.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	sleep := w.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var out string
	var waited time.Duration
	for {
		var err error
		out, err = t.Capture(ctx, lines)
		if err != nil {
			return "", err
		}
		if i := markerLine(out, token); i >= 0 {
			return out[:i], nil
		}
		if waited >= w.Timeout {
			return out, ErrMarkerTimeout
		}
		if err := sleep(ctx, interval); err != nil {
			return out, err
		}
		waited += interval
	}
}

// markerLine returns the offset of the line consisting of token, or -1.
func markerLine(out, token string) int {
	offset := 0
	for _, line := range strings.SplitAfter(out, "\n") {
		if strings.TrimSpace(line) == token {
			return offset
		}
		offset += len(line)
	}
	return -1
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
