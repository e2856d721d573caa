package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BlueSageSolutions/db-maintenance/internal/config"
	"github.com/BlueSageSolutions/db-maintenance/internal/innodb"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createCheckCommand(globalFlags),
		createSessionsCommand(globalFlags),
		createStatusCommand(),
		createConfigCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "purgefixer",
		Short: "InnoDB purge stall monitor",
		Long: `purgefixer watches the InnoDB purge subsystem of a MySQL server and kills
the sessions holding open transactions once purge has stopped advancing for
several consecutive polls.

Examples:
  purgefixer serve purgefixer.toml      # Run the monitor
  purgefixer check --config=purgefixer.toml
  purgefixer sessions --json
  purgefixer status --api-url=http://localhost:8080
  purgefixer config init --output=purgefixer.toml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, JSON or YAML)")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the purge monitor",
		Long: `Run the purge monitor until interrupted. Configuration is read from the
given file (or --config) and PURGEFIXER_* environment variables.

Examples:
  purgefixer serve purgefixer.toml
  purgefixer serve --config=purgefixer.toml --daemonize   # pidfile from [server].pidfile`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(serveFlags, args)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")

	return cmd
}

func runServe(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		logfile := flags.LogFile
		if logfile == "" {
			logfile = cfg.Server.LogFile
		}
		return daemonize(cfg.Server.PIDFile, logfile)
	}

	a, err := newApp(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Server.PIDFile != "" {
		if err := writePidFile(cfg.Server.PIDFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(cfg.Server.PIDFile) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.serve(ctx)
}

func createCheckCommand(globalFlags *GlobalFlags) *cobra.Command {
	checkFlags := &CheckFlags{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Read the purge counters once",
		Long: `Fetch SHOW ENGINE INNODB STATUS once and print the purge counters.
Nothing is killed. Exits non-zero when the counters cannot be read.

Examples:
  purgefixer check --config=purgefixer.toml
  purgefixer check --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			checkFlags.ConfigPath = globalFlags.ConfigPath
			return runCheck(cmd.Context(), checkFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&checkFlags.JSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func runCheck(ctx context.Context, flags *CheckFlags, out io.Writer) error {
	a, err := diagnosticApp(flags.ConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.MySQL.ConnectTimeout+a.cfg.Monitor.QueryTimeout)
	defer cancel()

	text, err := a.status.Fetch(ctx)
	if err != nil {
		return err
	}
	snap := innodb.Parse(text, time.Now())
	if flags.JSON {
		printJSON(out, snap)
	} else {
		_, _ = fmt.Fprintf(out, "Trx ID: %s | Purge Done: %s | History List Length: %s\n",
			snap.TrxIDCounter, snap.PurgeDoneUpTo, snap.HistoryListLength)
	}
	if !snap.Complete() {
		return fmt.Errorf("%w: %s", innodb.ErrMetricParseIncomplete, strings.Join(snap.Missing(), ", "))
	}
	return nil
}

func createSessionsCommand(globalFlags *GlobalFlags) *cobra.Command {
	sessionsFlags := &SessionsFlags{}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the sessions a remediation pass would kill",
		Long: `List every session that owns an active InnoDB transaction, minus the
excluded administrative users. Nothing is killed.

Examples:
  purgefixer sessions --config=purgefixer.toml
  purgefixer sessions --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionsFlags.ConfigPath = globalFlags.ConfigPath
			return runSessions(cmd.Context(), sessionsFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&sessionsFlags.JSON, "json", false, "print sessions as JSON")
	return cmd
}

func runSessions(ctx context.Context, flags *SessionsFlags, out io.Writer) error {
	a, err := diagnosticApp(flags.ConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.MySQL.ConnectTimeout+a.cfg.Monitor.QueryTimeout)
	defer cancel()

	recs, err := a.remediator.Find(ctx)
	if err != nil {
		return err
	}
	rows := toSessionRows(recs)
	if flags.JSON {
		printJSON(out, rows)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "THREAD\tTRX\tUSER\tHOST\tSTARTED\tELAPSED\tQUERY")
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ThreadID, r.TrxID, r.User, r.Host, r.StartedAt.Format(time.DateTime), r.Elapsed, oneLine(r.Query, 60))
	}
	return tw.Flush()
}

func createConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(createConfigInitCommand())
	return cmd
}

func createConfigInitCommand() *cobra.Command {
	initFlags := &ConfigInitFlags{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		Long: `Write the default configuration as TOML.

Examples:
  purgefixer config init
  purgefixer config init --output=/etc/purgefixer.toml --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(initFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&initFlags.Output, "output", "purgefixer.toml", "destination file")
	cmd.Flags().BoolVar(&initFlags.Force, "force", false, "overwrite an existing file")
	return cmd
}

func runConfigInit(flags *ConfigInitFlags, out io.Writer) error {
	if flags.Output == "" {
		return fmt.Errorf("--output is required")
	}
	if !flags.Force {
		if _, err := os.Stat(flags.Output); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", flags.Output)
		}
	}
	if err := config.WriteSample(flags.Output); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	_, _ = fmt.Fprintf(out, "wrote %s\n", flags.Output)
	return nil
}
