// Command eventsub runs a Twitch EventSub client from a YAML configuration:
// it subscribes to the configured events over a websocket session or
// webhook callbacks, optionally alongside the PubSub listener and the chat
// bot, and serves health and metrics over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/Guliveer/twitch-eventsub-go/internal/config"
	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
╔══════════════════════════════════════════╗
║        Twitch EventSub, Go Edition       ║
╚══════════════════════════════════════════╝
`

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("EVENTSUB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "eventsub",
		Short:         "Twitch EventSub client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadDotEnv(v.GetString("env-file"))
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", config.DefaultConfigPath, "path to the YAML configuration file")
	flags.String("env-file", ".env", "dotenv file with secrets")
	flags.String("log-level", "", "log level: DEBUG, INFO, WARN, ERROR (overrides log.level)")
	flags.Bool("no-color", false, "disable colored output (overrides TTY detection)")
	for _, name := range []string{"config", "env-file", "log-level", "no-color"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		newRunCmd(v),
		newSubscriptionsCmd(v),
		newAuthCmd(v),
		newNotifyCmd(v),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads and validates the configuration named by --config.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	path := v.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger builds the root logger writing to out. Flags win over the
// config file.
func setupLogger(v *viper.Viper, cfg *config.Config, out *os.File) (*logger.Logger, error) {
	level := slog.LevelInfo
	if lvl := v.GetString("log-level"); lvl != "" {
		level = logger.ParseLevel(lvl)
	} else if cfg != nil {
		level = logger.ParseLevel(cfg.Log.Level)
	}

	colored := !v.GetBool("no-color") && term.IsTerminal(int(out.Fd())) && os.Getenv("NO_COLOR") == ""

	lc := logger.Config{
		Level:     level,
		FileLevel: slog.LevelDebug,
		Colored:   colored,
		Output:    out,
	}
	if cfg != nil {
		lc.LogDir = cfg.Log.Dir
	}
	log, err := logger.Setup(lc)
	if err != nil {
		return nil, fmt.Errorf("setting up logger: %w", err)
	}
	return log, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "eventsub %s\n", version)
		},
	}
}
