// Command cronsched is the standalone admin CLI for the per-tenant job
// scheduler: it talks directly to an in-process cron.Service backed by the
// configured on-disk store, exercising the full public API.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openclaw/cronsched/internal/config"
	"github.com/openclaw/cronsched/pkg/cron"
)

var (
	cfgPath string
	chatID  string
)

func main() {
	root := &cobra.Command{
		Use:   "cronsched",
		Short: "Manage scheduled jobs",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./cronsched.yaml", "path to service config")
	root.PersistentFlags().StringVar(&chatID, "chat", "default", "tenant chat id for jobs created by this command")

	root.AddCommand(createCmd())
	root.AddCommand(listCmd())
	root.AddCommand(getCmd())
	root.AddCommand(rmCmd())
	root.AddCommand(enableCmd(true))
	root.AddCommand(enableCmd(false))
	root.AddCommand(renameCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadService builds a Service from the configured file, starts it, and
// returns it along with a stop function the caller must defer.
func loadService() (*cron.Service, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.Logging.Level != "" {
		if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			logger = logger.Level(lvl)
		}
	}
	if cfg.Logging.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}

	svc := cron.NewService(cron.Options{
		RootDir:         cfg.StorePath,
		BotName:         cfg.BotName,
		DefaultTimezone: cfg.DefaultTimezone,
		MaxJobsPerChat:  cfg.MaxJobsPerChat,
		MaxRunMs:        cfg.MaxRunMs,
		DefaultPolicy:   cfg.DefaultPolicy,
		Logger:          &logger,
	})
	svc.SetExecutor(printExecutor(logger))

	if err := svc.Start(); err != nil {
		return nil, nil, err
	}
	return svc, func() { _ = svc.Stop() }, nil
}

// printExecutor is the CLI's stand-in for a real conversational agent: it
// just logs the prompt it would have sent. The scheduler has no idea this
// isn't a real agent call.
func printExecutor(log zerolog.Logger) cron.Executor {
	return func(ctx context.Context, rec cron.RunRecord) (cron.RunResult, error) {
		log.Info().Str("job_id", rec.JobID).Str("run_id", rec.RunID).Str("source", string(rec.Source)).
			Msg(rec.Prompt)
		return cron.RunResult{OK: true}, nil
	}
}
