package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// IsTerminal reports whether stdout is a TTY.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColor follows the NO_COLOR and CLICOLOR conventions, then falls
// back to the TTY check. NO_COLOR wins over CLICOLOR_FORCE.
func ShouldUseColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if v := os.Getenv("CLICOLOR_FORCE"); v != "" && v != "0" {
		return true
	}
	return IsTerminal()
}

// ShouldUseEmoji reports whether symbol icons may be printed.
// PRDSYNC_NO_EMOJI forces plain ASCII markers.
func ShouldUseEmoji() bool {
	if os.Getenv("PRDSYNC_NO_EMOJI") != "" {
		return false
	}
	return IsTerminal()
}

// ConfigureColor sets the lipgloss color profile for the process. With
// disable set, or when color is not wanted, every style renders plain.
func ConfigureColor(disable bool) {
	if disable || !ShouldUseColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	profile := termenv.EnvColorProfile()
	if profile == termenv.Ascii {
		// CLICOLOR_FORCE without a TTY still gets basic colors.
		profile = termenv.ANSI
	}
	lipgloss.SetColorProfile(profile)
}
