// cmd/nodepulse/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/signalnine/nodepulse/internal/agent"
	"github.com/signalnine/nodepulse/internal/collector"
	"github.com/signalnine/nodepulse/internal/config"
	"github.com/signalnine/nodepulse/internal/logger"
	"github.com/signalnine/nodepulse/internal/logtail"
)

var (
	configPath string
	envFile    string
	once       bool
	noWatch    bool
	commit     bool
)

var rootCmd = &cobra.Command{
	Use:          "nodepulse",
	Short:        "Node health agent: heartbeat, service, log and website checks",
	SilenceUsage: true,
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the node agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAgentConfig(configPath, envFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		log := logger.New(cfg.LogLevel, cfg.LogFormat)
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a := agent.New(cfg, agent.Deps{Log: log.Sugar().Named("agent")})
		if once {
			return a.Run(ctx, true)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.Run(gctx, false) })
		if cfg.MetricsAddr != "" {
			g.Go(func() error { return a.Metrics().Serve(gctx, cfg.MetricsAddr, log.Sugar().Named("metrics")) })
		}
		if !noWatch {
			g.Go(func() error { return a.WatchConfig(gctx, configPath, envFile) })
		}
		return g.Wait()
	},
}

var collectorCmd = &cobra.Command{
	Use:   "collector",
	Short: "Run the reference collector",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadCollectorConfig(configPath, envFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log := logger.New(cfg.LogLevel, "")
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := collector.NewServer(cfg, log)
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	},
}

var logtailCmd = &cobra.Command{
	Use:   "logtail",
	Short: "Scan the configured log sources once and print the alerts",
	Long: "Scans every configured log source against the persisted cursors and prints\n" +
		"the resulting alerts as JSON lines. Cursors are not advanced unless --commit is set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAgentConfig(configPath, envFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		var store logtail.StateStore = logtail.NewDirStore(cfg.StateDir)
		if !commit {
			store = logtail.ReadOnlyStore{StateStore: store}
		}

		log := logger.New(cfg.LogLevel, cfg.LogFormat)
		defer func() { _ = log.Sync() }()

		engine := logtail.NewEngine(store, log.Sugar().Named("logtail"))
		alerts, err := engine.Scan(cmd.Context(), cfg.Logs)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, a := range alerts {
			if err := enc.Encode(a); err != nil {
				return err
			}
		}
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "List the persisted log cursors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAgentConfig(configPath, envFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		entries, err := logtail.NewDirStore(cfg.StateDir).List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tDEV\tINODE\tOFFSET")
		for _, e := range entries {
			dev, ino := "-", "-"
			if id := e.State.FileID; id != nil {
				dev, ino = fmt.Sprint(id.Dev), fmt.Sprint(id.Ino)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", e.File, dev, ino, e.State.Offset)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/nodepulse/agent.yaml", "config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file (default ./.env)")

	agentCmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	agentCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
	logtailCmd.Flags().BoolVar(&commit, "commit", false, "persist the advanced cursors")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(collectorCmd)
	rootCmd.AddCommand(logtailCmd)
	rootCmd.AddCommand(stateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
