package interactive

import (
	"regexp"
	"strconv"
	"strings"
)

// Pane geometry for new sessions. Wide enough that typical CLI output is
// not wrapped before capture.
const (
	paneWidth  = 220
	paneHeight = 50
)

func target(session, window string) string {
	return session + ":" + window
}

func newSessionCmd(session, root string) []string {
	return []string{"tmux", "new-session", "-d", "-s", session, "-c", root,
		"-x", strconv.Itoa(paneWidth), "-y", strconv.Itoa(paneHeight)}
}

func renameWindowCmd(session, window string) []string {
	return []string{"tmux", "rename-window", "-t", session, window}
}

func hasSessionCmd(session string) []string {
	return []string{"tmux", "has-session", "-t", session}
}

func killSessionCmd(session string) []string {
	return []string{"tmux", "kill-session", "-t", session}
}

// sendLiteralCmd types text without interpreting key names.
func sendLiteralCmd(tgt, text string) []string {
	return []string{"tmux", "send-keys", "-t", tgt, "-l", text}
}

func sendKeyCmd(tgt, key string) []string {
	return []string{"tmux", "send-keys", "-t", tgt, key}
}

func clearHistoryCmd(tgt string) []string {
	return []string{"tmux", "clear-history", "-t", tgt}
}

// capturePaneCmd prints n lines of history plus the visible pane, joining
// wrapped lines. lastLines cuts the result down to n.
func capturePaneCmd(tgt string, lines int) []string {
	return []string{"tmux", "capture-pane", "-p", "-J", "-t", tgt, "-S", "-" + strconv.Itoa(lines)}
}

// lastLines keeps the final n lines of captured output, ignoring the blank
// rows tmux prints below the cursor.
func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n ")
	if n <= 0 {
		return s
	}
	idx := len(s)
	for i := 0; i < n; i++ {
		j := strings.LastIndexByte(s[:idx], '\n')
		if j < 0 {
			return s
		}
		idx = j
	}
	return s[idx+1:]
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// StripANSI removes terminal escape sequences from captured output.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}
