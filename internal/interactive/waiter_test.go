package interactive

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedTerminal struct {
	typed    []string
	captures []string
	n        int
}

func (s *scriptedTerminal) Type(_ context.Context, text string) error {
	s.typed = append(s.typed, text)
	return nil
}

func (s *scriptedTerminal) Capture(_ context.Context, _ int) (string, error) {
	out := s.captures[min(s.n, len(s.captures)-1)]
	s.n++
	return out, nil
}

func TestDelayWaiter(t *testing.T) {
	var slept time.Duration
	w := DelayWaiter{Settle: 2 * time.Second, Sleep: func(_ context.Context, d time.Duration) error {
		slept += d
		return nil
	}}
	term := &scriptedTerminal{captures: []string{"$ ls\nREADME.md"}}

	out, err := w.Send(context.Background(), term, "ls", 50)
	require.NoError(t, err)
	assert.Equal(t, "$ ls\nREADME.md", out)
	assert.Equal(t, []string{"ls"}, term.typed)
	assert.Equal(t, 2*time.Second, slept)
}

func TestMarkerWaiter_ReturnsOutputBeforeMarker(t *testing.T) {
	term := &markerTerminal{scriptedTerminal: &scriptedTerminal{}}
	w := MarkerWaiter{Timeout: time.Second, Interval: 100 * time.Millisecond, Sleep: noSleep}

	out, err := w.Send(context.Background(), term, "make", 50)
	require.NoError(t, err)
	assert.Equal(t, "$ make\nbuilding\nok\n", out)
	require.Len(t, term.typed, 1)
	assert.True(t, strings.HasPrefix(term.typed[0], "make; printf "))
	assert.NotContains(t, term.typed[0], term.token, "token must be split on the command line")
	assert.Equal(t, 2, term.n)
}

// markerTerminal prints the marker on the second capture, as a shell would
// once the command finished.
type markerTerminal struct {
	*scriptedTerminal
	token string
}

func (m *markerTerminal) Type(ctx context.Context, text string) error {
	fields := strings.Fields(text[strings.Index(text, "printf"):])
	m.token = fields[2] + fields[3]
	return m.scriptedTerminal.Type(ctx, text)
}

func (m *markerTerminal) Capture(ctx context.Context, lines int) (string, error) {
	m.n++
	if m.n == 1 {
		return "$ make\nbuilding", nil
	}
	return "$ make\nbuilding\nok\n" + m.token + "\n$ ", nil
}

func TestMarkerWaiter_Timeout(t *testing.T) {
	term := &scriptedTerminal{captures: []string{"$ sleep 100"}}
	w := MarkerWaiter{Timeout: time.Second, Interval: 250 * time.Millisecond, Sleep: noSleep}

	out, err := w.Send(context.Background(), term, "sleep 100", 50)
	require.ErrorIs(t, err, ErrMarkerTimeout)
	assert.Equal(t, "$ sleep 100", out)
	assert.Equal(t, 5, term.n, "one capture per interval plus the first")
}

func TestMarkerLine(t *testing.T) {
	assert.Equal(t, -1, markerLine("a\nb\n", "tok"))
	assert.Equal(t, 4, markerLine("a\nb\ntok\n", "tok"))
	assert.Equal(t, -1, markerLine("printf tok\n", "tok"))
}
