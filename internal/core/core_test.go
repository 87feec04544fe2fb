package core

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-client/internal/auth"
	"github.com/whisper/chat-client/internal/channel"
	"github.com/whisper/chat-client/internal/devserver/devservertest"
	"github.com/whisper/chat-client/internal/session"
	"github.com/whisper/chat-client/internal/transport"
)

const waitTimeout = 5 * time.Second

func fastTransport(baseURL string) transport.Options {
	return transport.Options{
		BaseURL:     baseURL,
		Path:        "/socket.io/",
		Transports:  []string{transport.NameWebsocket, transport.NamePolling},
		Policy:      transport.Policy{MaxAttempts: 2, Delay: 50 * time.Millisecond},
		DialTimeout: time.Second,
	}
}

func fileStore(fs afero.Fs) *session.Store {
	return session.NewStore(session.NewFileBackend(fs, "/home/test/.config/whisper-chat"), zerolog.Nop())
}

// start runs c until the test ends.
func start(t *testing.T, c *Core) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
}

func newClient(t *testing.T, baseURL string, fs afero.Fs) *Core {
	t.Helper()
	c := New(Options{
		Store:     fileStore(fs),
		Auth:      auth.NewClient(baseURL, nil, zerolog.Nop()),
		Transport: fastTransport(baseURL),
		Logger:    zerolog.Nop(),
	})
	start(t, c)
	return c
}

func waitFor(t *testing.T, c *Core, msg string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = c.Snapshot()
		return cond(snap)
	}, waitTimeout, 10*time.Millisecond, msg)
	return snap
}

func connected(s Snapshot) bool { return s.Health == channel.Connected }

func TestSignUp_ConnectsAndExchangesMessages(t *testing.T) {
	srv := devservertest.New(t, devservertest.Config())
	ctx := context.Background()

	alice := newClient(t, srv.URL, afero.NewMemMapFs())
	bob := newClient(t, srv.URL, afero.NewMemMapFs())

	require.NoError(t, alice.SignUp(ctx, auth.SignUpRequest{
		Username: "alice", Email: "alice@example.com", Password: "secret", ConfirmPassword: "secret",
	}))
	require.NoError(t, bob.SignUp(ctx, auth.SignUpRequest{
		Username: "bob", Email: "bob@example.com", Password: "secret", ConfirmPassword: "secret",
	}))

	snap := waitFor(t, alice, "alice connects", connected)
	assert.True(t, snap.SignedIn)
	assert.Equal(t, "alice", snap.Identity.Username)
	assert.Equal(t, "Connected", snap.StatusLabel())
	assert.Empty(t, snap.Banner())
	assert.True(t, snap.CanSend())
	waitFor(t, bob, "bob connects", connected)

	bob.NotifyTyping()
	waitFor(t, alice, "alice sees bob typing", func(s Snapshot) bool { return s.TypingUser == "bob" })

	require.NoError(t, bob.SendMessage(ctx, "hi alice"))
	snap = waitFor(t, alice, "alice receives the message", func(s Snapshot) bool { return len(s.Messages) == 1 })
	assert.Equal(t, "bob", snap.Messages[0].User)
	assert.Equal(t, "hi alice", snap.Messages[0].Text)
	assert.Empty(t, snap.TypingUser, "a new message clears the typing indicator")

	require.NoError(t, alice.SendMessage(ctx, "hello bob"))
	snap = waitFor(t, bob, "bob sees both messages in order", func(s Snapshot) bool { return len(s.Messages) == 2 })
	assert.Equal(t, []string{"hi alice", "hello bob"}, []string{snap.Messages[0].Text, snap.Messages[1].Text})
}

func TestRun_RestoresPersistedSession(t *testing.T) {
	srv := devservertest.New(t, devservertest.Config())
	_, err := srv.Users().Register("carol", "carol@example.com", "secret")
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	first := New(Options{
		Store:     fileStore(fs),
		Auth:      auth.NewClient(srv.URL, nil, zerolog.Nop()),
		Transport: fastTransport(srv.URL),
		Logger:    zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go first.Run(ctx)
	require.NoError(t, first.SignIn(context.Background(), "carol@example.com", "secret"))
	waitFor(t, first, "first run connects", connected)
	cancel()
	<-first.Done()

	second := newClient(t, srv.URL, fs)
	snap := waitFor(t, second, "restored session connects", connected)
	assert.Equal(t, "carol", snap.Identity.Username)
}

func TestSignOut_TearsEverythingDown(t *testing.T) {
	srv := devservertest.New(t, devservertest.Config())
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	c := newClient(t, srv.URL, fs)
	require.NoError(t, c.SignUp(ctx, auth.SignUpRequest{
		Username: "dave", Email: "dave@example.com", Password: "secret", ConfirmPassword: "secret",
	}))
	waitFor(t, c, "connects", connected)
	require.NoError(t, c.SendMessage(ctx, "bye"))
	waitFor(t, c, "echo arrives", func(s Snapshot) bool { return len(s.Messages) == 1 })

	require.NoError(t, c.SignOut(ctx))
	snap := c.Snapshot()
	assert.False(t, snap.SignedIn)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, channel.Disconnected, snap.Health)

	exists, err := afero.Exists(fs, "/home/test/.config/whisper-chat/current_user.json")
	require.NoError(t, err)
	assert.False(t, exists)

	require.Eventually(t, func() bool { return srv.Connections() == 0 }, waitTimeout, 10*time.Millisecond)
	assert.ErrorIs(t, c.SendMessage(ctx, "anyone?"), channel.ErrNotConnected)
}

func TestSignIn_Rejected(t *testing.T) {
	srv := devservertest.New(t, devservertest.Config())
	c := newClient(t, srv.URL, afero.NewMemMapFs())

	err := c.SignIn(context.Background(), "nobody@example.com", "wrong")
	var rejected *auth.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "Invalid email or password", auth.UserMessage(err))
	assert.False(t, c.Snapshot().SignedIn)
}

func TestConnectionError_ShowsBanner(t *testing.T) {
	dead := httptest.NewServer(nil)
	url := dead.URL
	dead.Close()

	fs := afero.NewMemMapFs()
	store := fileStore(fs)
	c := New(Options{
		Store: store,
		Auth:  fakeAuth{id: session.Identity{ID: "u1", Username: "erin"}},
		Transport: transport.Options{
			BaseURL:     url,
			Path:        "/socket.io/",
			Transports:  []string{transport.NamePolling},
			Policy:      transport.Policy{MaxAttempts: 1, Delay: 10 * time.Millisecond},
			DialTimeout: time.Second,
		},
		Logger: zerolog.Nop(),
	})
	start(t, c)

	require.NoError(t, c.SignIn(context.Background(), "erin@example.com", "pw"))
	snap := waitFor(t, c, "reconnection gives up", func(s Snapshot) bool { return s.GaveUp })
	assert.True(t, snap.ConnectionError)
	assert.Equal(t, ConnectionErrorBanner, snap.Banner())
	assert.Equal(t, "Disconnected", snap.StatusLabel())
	assert.False(t, snap.CanSend())
}

type fakeAuth struct {
	id  session.Identity
	err error
}

func (f fakeAuth) SignIn(context.Context, string, string) (session.Identity, error) {
	return f.id, f.err
}

func (f fakeAuth) SignUp(context.Context, auth.SignUpRequest) (session.Identity, error) {
	return f.id, f.err
}

// idleTransport never connects.
type idleTransport struct{}

func (idleTransport) Start()                             {}
func (idleTransport) Emit(string, ...interface{}) error { return transport.ErrNotConnected }
func (idleTransport) Close() error                       { return nil }

func idleDial(func(transport.Signal)) channel.Transport { return idleTransport{} }

func TestSendMessage_NotConnectedRaisesNotice(t *testing.T) {
	c := New(Options{
		Store:  fileStore(afero.NewMemMapFs()),
		Auth:   fakeAuth{id: session.Identity{ID: "u1", Username: "frank"}},
		Dial:   idleDial,
		Logger: zerolog.Nop(),
	})
	start(t, c)
	ctx := context.Background()

	assert.ErrorIs(t, c.SendMessage(ctx, "before sign-in"), channel.ErrNotConnected)
	assert.Equal(t, channel.NotConnectedNotice, c.Snapshot().Notice)

	require.NoError(t, c.SignIn(ctx, "frank@example.com", "pw"))
	assert.Empty(t, c.Snapshot().Notice, "signing in clears the notice")

	assert.ErrorIs(t, c.SendMessage(ctx, "hello"), channel.ErrNotConnected)
	assert.Equal(t, channel.NotConnectedNotice, c.Snapshot().Notice)

	c.DismissNotice()
	waitFor(t, c, "notice dismissed", func(s Snapshot) bool { return s.Notice == "" })
}

type brokenBackend struct{}

func (brokenBackend) Read(context.Context) ([]byte, error) { return nil, session.ErrNotFound }
func (brokenBackend) Write(context.Context, []byte) error  { return errors.New("disk full") }
func (brokenBackend) Delete(context.Context) error         { return nil }
func (brokenBackend) Close() error                         { return nil }

func TestSignIn_StorageFailureLeavesSignedOut(t *testing.T) {
	c := New(Options{
		Store:  session.NewStore(brokenBackend{}, zerolog.Nop()),
		Auth:   fakeAuth{id: session.Identity{ID: "u1", Username: "grace"}},
		Dial:   idleDial,
		Logger: zerolog.Nop(),
	})
	start(t, c)

	err := c.SignIn(context.Background(), "grace@example.com", "pw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, c.Snapshot().SignedIn)
}

func TestSubscribe_LatestWins(t *testing.T) {
	c := New(Options{
		Store:  fileStore(afero.NewMemMapFs()),
		Auth:   fakeAuth{id: session.Identity{ID: "u1", Username: "heidi"}},
		Dial:   idleDial,
		Logger: zerolog.Nop(),
	})
	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()
	start(t, c)

	ctx := context.Background()
	require.NoError(t, c.SignIn(ctx, "heidi@example.com", "pw"))
	for i := 0; i < 5; i++ {
		_ = c.SendMessage(ctx, "x")
	}

	latest := c.Snapshot()
	select {
	case snap := <-updates:
		assert.Equal(t, latest.Seq, snap.Seq, "only the newest snapshot is buffered")
		assert.True(t, snap.SignedIn)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestIntentsAfterStop(t *testing.T) {
	c := New(Options{
		Store:  fileStore(afero.NewMemMapFs()),
		Auth:   fakeAuth{id: session.Identity{ID: "u1", Username: "ivan"}},
		Dial:   idleDial,
		Logger: zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	cancel()
	<-c.Done()

	assert.ErrorIs(t, c.SignOut(context.Background()), ErrStopped)
	c.NotifyTyping()
}
