package ui

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/term"
)

// PagerOptions controls pager behavior.
type PagerOptions struct {
	// NoPager disables the pager (--no-pager).
	NoPager bool
}

// shouldUsePager is false with --no-pager, PRDSYNC_NO_PAGER, or when
// stdout is not a TTY.
func shouldUsePager(opts PagerOptions) bool {
	if opts.NoPager || os.Getenv("PRDSYNC_NO_PAGER") != "" {
		return false
	}
	return IsTerminal()
}

// pagerCommand checks PRDSYNC_PAGER, then PAGER, and defaults to less.
func pagerCommand() string {
	if pager := os.Getenv("PRDSYNC_PAGER"); pager != "" {
		return pager
	}
	if pager := os.Getenv("PAGER"); pager != "" {
		return pager
	}
	return "less"
}

func terminalHeight() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	_, height, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return height
}

func contentHeight(content string) int {
	if content == "" {
		return 0
	}
	return strings.Count(content, "\n") + 1
}

// ToPager pipes content to a pager when stdout is a terminal and the
// content does not fit on one screen. Otherwise it writes to w.
func ToPager(w io.Writer, content string, opts PagerOptions) error {
	if !shouldUsePager(opts) {
		_, err := fmt.Fprint(w, content)
		return err
	}
	if h := terminalHeight(); h > 0 && contentHeight(content) <= h-1 {
		_, err := fmt.Fprint(w, content)
		return err
	}

	parts := strings.Fields(pagerCommand())
	if len(parts) == 0 {
		_, err := fmt.Fprint(w, content)
		return err
	}

	cmd := exec.Command(parts[0], parts[1:]...) // #nosec G204 - pager is user-configured
	cmd.Stdin = strings.NewReader(content)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if os.Getenv("LESS") == "" {
		// -R colors, -F quit if one screen, -X keep screen on exit
		cmd.Env = append(cmd.Env, "LESS=-RFX")
	}
	return cmd.Run()
}
