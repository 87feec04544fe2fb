package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/chat-client/internal/auth"
	"github.com/whisper/chat-client/internal/mirror"
	"github.com/whisper/chat-client/internal/view"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the interactive chat",
	RunE:  runChat,
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print room messages and connection changes to stdout",
	Long: `Joins the room with the stored session and prints every message and
connection change until interrupted. Sign in first with "chatclient signin".`,
	RunE: runTail,
}

var signInCmd = &cobra.Command{
	Use:   "signin",
	Short: "Sign in and store the session",
	RunE:  runSignIn,
}

var signUpCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account and store the session",
	RunE:  runSignUp,
}

var signOutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Forget the stored session",
	RunE:  runSignOut,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the stored session",
	RunE:  runWhoami,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print chat events mirrored to NATS by running clients",
	RunE:  runWatch,
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runChat(cmd *cobra.Command, _ []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	c := a.newCore()
	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	a.serveMetrics(gctx, g)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		program := tea.NewProgram(view.New(gctx, c, updates), tea.WithAltScreen(), tea.WithContext(gctx))
		_, err := program.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func runTail(cmd *cobra.Command, _ []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	c := a.newCore()
	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	a.serveMetrics(gctx, g)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error {
		view.Tail(gctx, updates, cmd.OutOrStdout())
		return nil
	})
	return g.Wait()
}

func runSignIn(cmd *cobra.Command, _ []string) error {
	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.auth.SignIn(cmd.Context(), email, password)
	if err != nil {
		return errors.New(auth.UserMessage(err))
	}
	if err := a.store.Save(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", id.Username)
	return nil
}

func runSignUp(cmd *cobra.Command, _ []string) error {
	var req auth.SignUpRequest
	req.Username, _ = cmd.Flags().GetString("username")
	req.Email, _ = cmd.Flags().GetString("email")
	req.Password, _ = cmd.Flags().GetString("password")
	req.ConfirmPassword, _ = cmd.Flags().GetString("confirm")

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.auth.SignUp(cmd.Context(), req)
	if err != nil {
		return errors.New(auth.UserMessage(err))
	}
	if err := a.store.Save(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Welcome, %s\n", id.Username)
	return nil
}

func runSignOut(cmd *cobra.Command, _ []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	a.store.Clear(cmd.Context())
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
	return nil
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	id, ok := a.store.Load(cmd.Context())
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s <%s> (id %s)\n", id.Username, id.Email, id.ID)
	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Mirror.NATSURL == "" {
		return errors.New("watch needs a NATS server: set --nats-url or mirror.nats_url")
	}
	natsCfg := mirror.DefaultNATSConfig()
	natsCfg.URL = a.cfg.Mirror.NATSURL
	natsCfg.Name = "whisper-chat-watch"
	client, err := mirror.NewNATSClient(natsCfg, a.log)
	if err != nil {
		return err
	}
	a.nats = client

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()
	subject := a.cfg.Mirror.SubjectPrefix + ".>"
	err = client.Subscribe(subject, func(subject string, data []byte) {
		ev, err := mirror.Decode(data)
		if err != nil {
			a.log.Warn().Err(err).Str("subject", subject).Msg("[watch] undecodable event")
			return
		}
		fmt.Fprintln(out, mirror.Format(ev))
	})
	if err != nil {
		return err
	}
	a.log.Info().Str("subject", subject).Msg("[watch] subscribed")

	<-ctx.Done()
	return nil
}
