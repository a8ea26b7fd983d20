// Package cli is the deckhand operator command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"deckhand/pkg/auth"
	"deckhand/pkg/cli/style"
	"deckhand/pkg/config"
	"deckhand/pkg/dispatch"
	"deckhand/pkg/reconcile"
	"deckhand/pkg/store"
	"deckhand/pkg/transport"
)

// errReported means the report was printed and had failures.
var errReported = errors.New("operation reported failures")

var (
	configPath string
	logLevel   string
	verbose    bool

	cfg *config.Config
	log *logrus.Entry
)

var rootCmd = &cobra.Command{
	Use:   "deckhand",
	Short: "Daemonless fleet reconciler",
	Long: `deckhand applies Kubernetes-shaped manifests to a small fleet of hosts over SSH.

Every invocation runs to completion and exits. The ledger under ~/.deckhand is
the only state kept between runs.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		return setupLogging(cfg)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. The error is non-nil whenever the process
// should exit non-zero; it has already been printed.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errReported) {
		fmt.Fprintln(os.Stderr, style.ErrorBox.Render(err.Error()))
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.deckhand/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func setupLogging(c *config.Config) error {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	level := c.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	if verbose {
		level = "debug"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger.SetLevel(lvl)
	log = logrus.NewEntry(logger)
	return nil
}

// app is the wiring shared by commands that touch the ledger or fleet.
type app struct {
	ledger    store.Ledger
	transport transport.Transport
	rec       *reconcile.Reconciler
}

func openApp() (*app, error) {
	ledger, err := cfg.OpenLedger()
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	ssh, err := transport.NewSSH(cfg.Transport(), log)
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}
	d := dispatch.New(ssh, dispatch.Options{
		Concurrency:    cfg.Dispatch.Concurrency,
		PerNode:        cfg.Dispatch.PerNode,
		ConnectTimeout: cfg.Dispatch.ConnectTimeout,
		ExecuteTimeout: cfg.Dispatch.ExecuteTimeout,
		Signer:         auth.NewSigner(cfg.Auth.CommandSecret, auth.DefaultTTL),
		Logger:         log,
	})
	rec := reconcile.New(ledger, d, reconcile.Options{
		InstallCommand: cfg.SSH.InstallCommand,
		Logger:         log,
	})
	return &app{ledger: ledger, transport: ssh, rec: rec}, nil
}

func (a *app) Close() {
	_ = a.transport.Close()
	_ = a.ledger.Close()
}

// withApp opens the app for the duration of fn.
func withApp(fn func(a *app) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
