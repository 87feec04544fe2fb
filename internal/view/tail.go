package view

import (
	"context"
	"fmt"
	"io"

	"github.com/whisper/chat-client/internal/core"
)

// Tail prints new messages and lifecycle changes from updates to w until ctx
// is done. Snapshots may be skipped by the producer, so it diffs against the
// last one it printed.
func Tail(ctx context.Context, updates <-chan core.Snapshot, w io.Writer) {
	var (
		prev  core.Snapshot
		first = true
	)
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			printDiff(w, prev, snap, first)
			prev, first = snap, false
		}
	}
}

func printDiff(w io.Writer, prev, cur core.Snapshot, first bool) {
	if first || prev.SignedIn != cur.SignedIn || prev.Identity != cur.Identity {
		if cur.SignedIn {
			fmt.Fprintf(w, "* signed in as %s\n", cur.Identity.Username)
		} else {
			fmt.Fprintln(w, "* signed out")
		}
	}
	if !first && prev.Health != cur.Health {
		fmt.Fprintf(w, "* %s\n", cur.Health)
	}
	if cur.ConnectionError && (first || !prev.ConnectionError) {
		fmt.Fprintf(w, "! %s\n", core.ConnectionErrorBanner)
	}
	if cur.GaveUp && (first || !prev.GaveUp) {
		fmt.Fprintln(w, "! gave up reconnecting")
	}
	if cur.Notice != "" && cur.Notice != prev.Notice {
		fmt.Fprintf(w, "! %s\n", cur.Notice)
	}
	if cur.TypingUser != "" && cur.TypingUser != prev.TypingUser {
		fmt.Fprintf(w, "* %s is typing...\n", cur.TypingUser)
	}

	// A shorter log means the history was replaced; print it from the start.
	start := len(prev.Messages)
	if first || start > len(cur.Messages) || (start > 0 && cur.Messages[start-1].ID != prev.Messages[start-1].ID) {
		start = 0
	}
	for _, msg := range cur.Messages[start:] {
		fmt.Fprintf(w, "[%s] %s: %s\n", formatClock(msg.Timestamp), msg.User, msg.Text)
	}
}
