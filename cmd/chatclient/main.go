// Command chatclient is the terminal client for the whisper chat room.
//
// Run without arguments to open the interactive chat. Other subcommands
// manage the stored session, follow the room headlessly, or watch events
// mirrored to NATS by other clients.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/whisper/chat-client/internal/config"
)

var (
	configPath     string
	serverURL      string
	sessionBackend string
	sessionDir     string
	logLevel       string
	metricsAddr    string
	natsURL        string
)

var rootCmd = &cobra.Command{
	Use:   "chatclient",
	Short: "Whisper chat terminal client",
	Long: `Whisper chat terminal client.

Signs in against the chat server's auth API, keeps the session on disk and
joins the single chat room over Socket.IO (websocket with long-polling
fallback). Run without arguments to start the interactive chat.`,
	SilenceUsage: true,
	RunE:         runChat,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", filepath.Join(config.DefaultDir(), "config.yaml"), "config file")
	pf.StringVar(&serverURL, "server", "", "chat server URL (overrides config)")
	pf.StringVar(&sessionBackend, "session-backend", "", "session storage: file, pebble or redis")
	pf.StringVar(&sessionDir, "session-dir", "", "directory for file/pebble session storage")
	pf.StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	pf.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.StringVar(&natsURL, "nats-url", "", "mirror chat events to this NATS server")

	signInCmd.Flags().String("email", "", "account email")
	signInCmd.Flags().String("password", "", "account password")

	signUpCmd.Flags().String("username", "", "display name")
	signUpCmd.Flags().String("email", "", "account email")
	signUpCmd.Flags().String("password", "", "account password")
	signUpCmd.Flags().String("confirm", "", "password confirmation")

	rootCmd.AddCommand(chatCmd, tailCmd, signInCmd, signUpCmd, signOutCmd, whoamiCmd, watchCmd)
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if sessionBackend != "" {
		cfg.Session.Backend = sessionBackend
	}
	if sessionDir != "" {
		cfg.Session.Dir = sessionDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	if natsURL != "" {
		cfg.Mirror.NATSURL = natsURL
	}
	return cfg, cfg.Validate()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
