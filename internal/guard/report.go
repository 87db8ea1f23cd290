package guard

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mistakeknot/interlock/internal/core"
)

// WriteReport prints the decision for a human at a terminal. Block and warn
// mode share every line below the header.
func WriteReport(w io.Writer, d core.GuardDecision, err error, now time.Time) {
	var b strings.Builder
	for _, warn := range d.Warnings {
		fmt.Fprintf(&b, "interlock: warning: %s\n", warn)
	}
	switch {
	case d.Bypassed:
	case err != nil:
		verb := "blocked"
		if !d.Blocked {
			verb = "not verified"
		}
		fmt.Fprintf(&b, "interlock: %s %s: cannot verify file reservations: %v\n", d.Hook, verb, err)
		if d.Blocked {
			b.WriteString("  the reservation store could not be read, so the operation is refused.\n")
			b.WriteString("  fix the store or set AGENT_MAIL_BYPASS=1 to skip the check once.\n")
		}
	case len(d.Conflicts) > 0:
		verb := "blocked"
		if !d.Blocked {
			verb = "warning"
		}
		fmt.Fprintf(&b, "interlock: %s %s: %s reserved by another agent\n",
			d.Hook, verb, plural(countPaths(d.Conflicts), "path is", "paths are"))
		writeConflicts(&b, d.Conflicts, now)
	}
	if b.Len() > 0 {
		io.WriteString(w, b.String())
	}
}

func writeConflicts(b *strings.Builder, conflicts []core.GuardConflict, now time.Time) {
	holders := make(map[string]struct{})
	for _, c := range conflicts {
		holders[c.Holder] = struct{}{}
		fmt.Fprintf(b, "  %s\n    held by %s via %q, expires %s (%s)\n",
			c.Path, c.Holder, c.Pattern,
			humanize.RelTime(c.ExpiresAt, now, "ago", "from now"),
			c.ExpiresAt.UTC().Format(time.RFC3339))
		if c.Reason != "" {
			fmt.Fprintf(b, "    reason: %s\n", c.Reason)
		}
	}
	b.WriteString("remedies:\n")
	b.WriteString("  - wait for the reservation to expire\n")
	for _, h := range slices.Sorted(maps.Keys(holders)) {
		fmt.Fprintf(b, "  - ask %s to release it (interlock release --agent %s <pattern>)\n", h, h)
	}
	b.WriteString("  - in an emergency, rerun with AGENT_MAIL_BYPASS=1\n")
}

func countPaths(conflicts []core.GuardConflict) int {
	seen := make(map[string]struct{}, len(conflicts))
	for _, c := range conflicts {
		seen[c.Path] = struct{}{}
	}
	return len(seen)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}
