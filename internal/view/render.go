package view

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/whisper/chat-client/internal/channel"
	"github.com/whisper/chat-client/internal/protocol"
)

func (m Model) View() string {
	if m.snap.SignedIn {
		return m.chatView()
	}
	return m.authView()
}

func (m Model) authView() string {
	var b strings.Builder

	title, toggle := "Sign in", "No account? ctrl+t to sign up"
	if m.mode == modeSignUp {
		title, toggle = "Sign up", "Have an account? ctrl+t to sign in"
	}
	b.WriteString(titleStyle.Render("Whisper Chat · "+title) + "\n\n")

	for i := range m.fields {
		if m.visible(i) {
			b.WriteString(m.fields[i].View() + "\n")
		}
	}
	b.WriteString("\n")

	switch {
	case m.busy:
		b.WriteString(mutedStyle.Render("Please wait...") + "\n")
	case m.authErr != "":
		b.WriteString(errorStyle.Render(m.authErr) + "\n")
	}
	b.WriteString(mutedStyle.Render(toggle) + "\n")
	b.WriteString(mutedStyle.Render("tab: next field · enter: submit · ctrl+c: quit"))

	return boxStyle.Render(b.String())
}

func (m Model) chatView() string {
	status := disconnectedStyle.Render(m.snap.StatusLabel())
	if m.snap.Health == channel.Connected {
		status = connectedStyle.Render(m.snap.StatusLabel())
	}
	header := headerStyle.Render(fmt.Sprintf("Whisper Chat · %s  %s", m.snap.Identity.Username, status))

	parts := []string{header}
	if banner := m.snap.Banner(); banner != "" {
		parts = append(parts, errorStyle.Render(banner))
	}
	if m.snap.Notice != "" {
		parts = append(parts, noticeStyle.Render(m.snap.Notice))
	}
	parts = append(parts, m.messages.View())

	typing := ""
	if m.snap.TypingUser != "" {
		typing = typingStyle.Render(m.snap.TypingUser + " is typing...")
	}
	parts = append(parts, typing)

	input := m.input.View()
	if !m.snap.CanSend() {
		input = mutedStyle.Render("Waiting for connection...")
	}
	parts = append(parts,
		footerStyle.Render(input),
		mutedStyle.Render("enter: send · ctrl+o: sign out · esc: dismiss · ctrl+c: quit"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// formatClock renders an epoch-millisecond timestamp as local HH:MM.
func formatClock(ms int64) string {
	return protocol.Message{Timestamp: ms}.Time().Local().Format("15:04")
}

func renderMessage(msg protocol.Message, self string) string {
	style := otherMessageStyle
	if msg.User == self {
		style = ownMessageStyle
	}
	return fmt.Sprintf("%s %s %s",
		mutedStyle.Render(formatClock(msg.Timestamp)),
		style.Render(msg.User+":"),
		msg.Text,
	)
}

func renderMessages(msgs []protocol.Message, self string) string {
	if len(msgs) == 0 {
		return mutedStyle.Render("No messages yet. Say hello!")
	}
	lines := make([]string, len(msgs))
	for i, msg := range msgs {
		lines[i] = renderMessage(msg, self)
	}
	return strings.Join(lines, "\n")
}
