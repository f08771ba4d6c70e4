package main

import (
	"fmt"
	"strings"

	"github.com/scribefeed/scribefeed/internal/session"
	"github.com/scribefeed/scribefeed/pkg/types"
)

// formatBlock renders one grouped block as a single transcript line.
func formatBlock(blk types.Block) string {
	if blk.Start.IsZero() {
		return fmt.Sprintf("%s: %s", blk.Speaker, blk.Text)
	}
	return fmt.Sprintf("[%s] %s: %s", blk.Start.UTC().Format("15:04:05"), blk.Speaker, blk.Text)
}

// renderTranscript renders the full grouped transcript as plain text with a
// short header.
func renderTranscript(snap session.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s", snap.Meeting.String())
	if snap.Status != "" {
		fmt.Fprintf(&b, " (%s)", snap.Status)
	}
	b.WriteString("\n")
	for _, blk := range snap.Blocks {
		b.WriteString(formatBlock(blk))
		b.WriteString("\n")
	}
	return b.String()
}
