// Package notify raises a desktop notification when a batch finishes or
// halts, so long-running runs don't need a watched terminal.
package notify

import (
	"fmt"
	"os/exec"
	"strings"
)

// Send raises a macOS notification via osascript. Best effort: callers treat
// failure as a log line, never as a batch error.
func Send(title, message string) error {
	title = escapeAppleScript(title)
	message = escapeAppleScript(message)

	script := fmt.Sprintf(
		`display notification %q with title %q sound name "default"`,
		message, title,
	)

	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
