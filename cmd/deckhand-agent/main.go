// Command deckhand-agent runs on each node. The controller invokes it over
// SSH once per command: "deckhand-agent exec" reads a single CBOR envelope
// on stdin and writes the reply on stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"deckhand/pkg/agent"
	"deckhand/pkg/api"
	"deckhand/pkg/config"
	"deckhand/pkg/version"
)

var (
	envFile string
	cfg     *config.Agent
	log     *logrus.Entry
)

var rootCmd = &cobra.Command{
	Use:           "deckhand-agent",
	Short:         "deckhand node agent",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		if cfg, err = config.LoadAgent(envFile); err != nil {
			return err
		}
		logger := logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
		if lvl, err := logrus.ParseLevel(os.Getenv("DECKHAND_LOG_LEVEL")); err == nil {
			logger.SetLevel(lvl)
		} else {
			logger.SetLevel(logrus.WarnLevel)
		}
		log = logger.WithField("node", cfg.NodeName)
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Execute one command envelope read from stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd.Context(), func(a *agent.Agent, _ agent.State) error {
			// A malformed envelope still gets a failure reply.
			if err := a.Serve(cmd.Context(), os.Stdin, os.Stdout); err != nil {
				log.WithError(err).Error("serve")
				return err
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the resources applied on this node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd.Context(), func(a *agent.Agent, _ agent.State) error {
			reply := a.Handle(cmd.Context(), api.Envelope{Command: api.CommandStatus})
			if reply.Status == nil {
				return fmt.Errorf("status: %s", reply.Error)
			}
			st := reply.Status
			fmt.Printf("health: %s  cordoned: %t  build: %s\n", st.Health, st.Cordoned, st.Build)
			if reply.Error != "" {
				fmt.Printf("error: %s\n", reply.Error)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tNAMESPACE\tNAME\tHASH")
			for _, r := range st.Running {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Kind, r.Namespace, r.Name, r.Hash)
			}
			return w.Flush()
		})
	},
}

var cordonCmd = &cobra.Command{
	Use:   "cordon",
	Short: "Mark this node unschedulable",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return setCordon(cmd.Context(), true) },
}

var uncordonCmd = &cobra.Command{
	Use:   "uncordon",
	Short: "Mark this node schedulable",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return setCordon(cmd.Context(), false) },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent build",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("deckhand-agent " + version.String())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", config.DefaultAgentEnv, "agent environment file")
	rootCmd.AddCommand(execCmd, statusCmd, cordonCmd, uncordonCmd, versionCmd)
}

func withAgent(ctx context.Context, fn func(*agent.Agent, agent.State) error) error {
	state, err := agent.OpenSQLiteState(ctx, cfg.StatePath)
	if err != nil {
		return err
	}
	defer state.Close()
	a := agent.New(state, agent.HooksFromEnv(), agent.Options{
		Node:   cfg.NodeName,
		Secret: cfg.CommandSecret,
		Logger: log,
	})
	return fn(a, state)
}

// setCordon writes the flag directly; local operators need no signed envelope.
func setCordon(ctx context.Context, cordoned bool) error {
	return withAgent(ctx, func(_ *agent.Agent, state agent.State) error {
		if err := state.SetCordoned(ctx, cordoned); err != nil {
			return err
		}
		if cordoned {
			fmt.Println("cordoned")
		} else {
			fmt.Println("uncordoned")
		}
		return nil
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "deckhand-agent:", err)
		os.Exit(1)
	}
}
