package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mistakeknot/interlock/internal/core"
)

var (
	okMark    = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Render("✓")
	failMark  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("✗")
	keyStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	nameStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

func expiry(t, now time.Time) string {
	return humanize.RelTime(t, now, "ago", "from now")
}

func printLease(w io.Writer, r core.FileReservation, now time.Time) {
	kind := "exclusive"
	if !r.Exclusive {
		kind = "shared"
	}
	fmt.Fprintf(w, "  %s %s %s %s\n",
		okMark,
		keyStyle.Render(r.PathPattern),
		nameStyle.Render(r.Agent),
		dimStyle.Render(fmt.Sprintf("%s, expires %s, id %s", kind, expiry(r.ExpiresAt, now), r.ID)))
}

func printConflict(w io.Writer, c core.Conflict, now time.Time) {
	fmt.Fprintf(w, "  %s %s held by %s via %q %s\n",
		failMark,
		keyStyle.Render(c.Pattern),
		nameStyle.Render(c.Holder),
		c.HolderPattern,
		dimStyle.Render("expires "+expiry(c.ExpiresAt, now)))
	if c.Reason != "" {
		fmt.Fprintf(w, "      %s\n", dimStyle.Render("reason: "+c.Reason))
	}
}

func printSlot(w io.Writer, s core.BuildSlot, now time.Time) {
	fmt.Fprintf(w, "  %s %s %s %s\n",
		okMark,
		keyStyle.Render(s.Slot),
		nameStyle.Render(s.Agent),
		dimStyle.Render("expires "+expiry(s.ExpiresAt, now)))
}
