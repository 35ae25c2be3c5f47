package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/taskloop/internal/config"
	"github.com/ChamsBouzaiene/taskloop/internal/logging"
)

var version = "dev"

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// app is shared by every command once the root pre-run has loaded the
// configuration.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	tasksRoot  string

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	// Load .env file if it exists; it usually carries the API keys.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	logging.Close()
	if err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "taskloop",
		Short: "Run bounded, resumable coding tasks with an LLM",
		Long: `taskloop drives a language model through a bounded coding task one
action at a time. Every step is committed to disk, so an interrupted task
can be resumed from exactly where it stopped.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $TASKLOOP_CONFIG or "+config.DefaultPath()+")")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format: text or json")
	root.PersistentFlags().StringVar(&a.tasksRoot, "tasks-root", "", "directory holding task state")

	root.AddCommand(
		newRunCmd(a),
		newResumeCmd(a),
		newListCmd(a),
		newShowCmd(a),
		newWatchCmd(a),
		newDeleteCmd(a),
		newPruneCmd(a),
		newConfigCmd(a),
	)
	return root
}

// load reads the configuration and installs the logger. Flags win over the
// file and the environment.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = logging.Format(a.logFormat)
	}
	if a.tasksRoot != "" {
		cfg.TasksRoot = a.tasksRoot
	}
	if cfg.Log.File == "" {
		cfg.Log.Output = cmd.ErrOrStderr()
	}
	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}
