// Package view is the terminal front end: a bubbletea program that renders
// core snapshots and turns keystrokes into core intents, plus a headless
// tail printer.
package view

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/whisper/chat-client/internal/auth"
	"github.com/whisper/chat-client/internal/core"
)

// Client is the set of intents the view can issue.
type Client interface {
	SignIn(ctx context.Context, email, password string) error
	SignUp(ctx context.Context, req auth.SignUpRequest) error
	SignOut(ctx context.Context) error
	SendMessage(ctx context.Context, text string) error
	NotifyTyping()
	DismissNotice()
}

type authMode int

const (
	modeSignIn authMode = iota
	modeSignUp
)

// Auth form fields.
const (
	fieldUsername = iota
	fieldEmail
	fieldPassword
	fieldConfirm
	fieldCount
)

type snapshotMsg core.Snapshot

type authResultMsg struct{ err error }

type sendResultMsg struct{ err error }

// Model is the bubbletea model.
type Model struct {
	ctx     context.Context
	client  Client
	updates <-chan core.Snapshot
	snap    core.Snapshot

	mode    authMode
	fields  [fieldCount]textinput.Model
	focus   int
	authErr string
	busy    bool

	input    textinput.Model
	messages viewport.Model
	width    int
	height   int
}

// New creates the model. updates is typically core.Subscribe's channel.
func New(ctx context.Context, client Client, updates <-chan core.Snapshot) Model {
	var fields [fieldCount]textinput.Model
	placeholders := [fieldCount]string{"Username", "Email", "Password", "Confirm password"}
	for i := range fields {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = 64
		ti.Width = 30
		if i == fieldPassword || i == fieldConfirm {
			ti.EchoMode = textinput.EchoPassword
		}
		fields[i] = ti
	}

	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.CharLimit = 1000
	input.Width = 50

	m := Model{
		ctx:      ctx,
		client:   client,
		updates:  updates,
		fields:   fields,
		focus:    fieldEmail,
		input:    input,
		messages: viewport.New(80, 20),
	}
	m.fields[m.focus].Focus()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForSnapshot())
}

func (m Model) waitForSnapshot() tea.Cmd {
	updates, ctx := m.updates, m.ctx
	return func() tea.Msg {
		select {
		case snap := <-updates:
			return snapshotMsg(snap)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.snap.SignedIn {
			return m.updateChat(msg)
		}
		return m.updateAuth(msg)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		return m, nil

	case snapshotMsg:
		m.applySnapshot(core.Snapshot(msg))
		return m, m.waitForSnapshot()

	case authResultMsg:
		m.busy = false
		if msg.err != nil {
			m.authErr = auth.UserMessage(msg.err)
			return m, nil
		}
		m.authErr = ""
		for i := range m.fields {
			m.fields[i].SetValue("")
		}
		return m, nil

	case sendResultMsg:
		// Failures surface through the snapshot notice.
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) updateAuth(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "tab", "down":
		m.moveFocus(1)
		return m, nil
	case "shift+tab", "up":
		m.moveFocus(-1)
		return m, nil
	case "ctrl+t":
		if m.mode == modeSignIn {
			m.mode = modeSignUp
		} else {
			m.mode = modeSignIn
		}
		m.authErr = ""
		if !m.visible(m.focus) {
			m.moveFocus(1)
		}
		return m, nil
	case "enter":
		if m.busy {
			return m, nil
		}
		m.busy = true
		m.authErr = ""
		return m, m.submitAuth()
	}

	var cmd tea.Cmd
	m.fields[m.focus], cmd = m.fields[m.focus].Update(msg)
	return m, cmd
}

func (m Model) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+o":
		client, ctx := m.client, m.ctx
		return m, func() tea.Msg {
			_ = client.SignOut(ctx)
			return nil
		}
	case "esc":
		m.client.DismissNotice()
		return m, nil
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.messages, cmd = m.messages.Update(msg)
		return m, cmd
	case "enter":
		text := m.input.Value()
		if m.snap.CanSend() {
			m.input.SetValue("")
		}
		client, ctx := m.client, m.ctx
		return m, func() tea.Msg {
			return sendResultMsg{err: client.SendMessage(ctx, text)}
		}
	}

	if !m.snap.CanSend() {
		return m, nil
	}
	m.client.NotifyTyping()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submitAuth() tea.Cmd {
	client, ctx := m.client, m.ctx
	email := strings.TrimSpace(m.fields[fieldEmail].Value())
	password := m.fields[fieldPassword].Value()

	if m.mode == modeSignIn {
		return func() tea.Msg {
			return authResultMsg{err: client.SignIn(ctx, email, password)}
		}
	}
	req := auth.SignUpRequest{
		Username:        strings.TrimSpace(m.fields[fieldUsername].Value()),
		Email:           email,
		Password:        password,
		ConfirmPassword: m.fields[fieldConfirm].Value(),
	}
	return func() tea.Msg {
		return authResultMsg{err: client.SignUp(ctx, req)}
	}
}

// visible reports whether field is part of the current form.
func (m Model) visible(field int) bool {
	if m.mode == modeSignUp {
		return true
	}
	return field == fieldEmail || field == fieldPassword
}

func (m *Model) moveFocus(step int) {
	m.fields[m.focus].Blur()
	next := m.focus
	for {
		next = (next + step + fieldCount) % fieldCount
		if m.visible(next) {
			break
		}
	}
	m.focus = next
	m.fields[m.focus].Focus()
}

func (m *Model) applySnapshot(snap core.Snapshot) {
	m.snap = snap
	if snap.CanSend() {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
	m.messages.SetContent(renderMessages(snap.Messages, snap.Identity.Username))
	m.messages.GotoBottom()
}

func (m *Model) resize() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	// Header, banner, notice, typing line and footer.
	height := m.height - 9
	if height < 3 {
		height = 3
	}
	m.messages.Width = m.width - 2
	m.messages.Height = height
	m.input.Width = m.width - 6
	m.messages.SetContent(renderMessages(m.snap.Messages, m.snap.Identity.Username))
	m.messages.GotoBottom()
}
