package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/cronsched/pkg/cron"
)

func createCmd() *cobra.Command {
	var name, prompt, at, every, cronExpr, tz string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new scheduled job",
		Run: func(cmd *cobra.Command, args []string) {
			svc, stop, err := loadService()
			if err != nil {
				fail(err)
			}
			defer stop()

			sched, err := parseScheduleFlags(at, every, cronExpr, tz)
			if err != nil {
				fail(err)
			}

			job, err := svc.Create(cron.JobCreate{
				ChatID:   chatID,
				Name:     name,
				Prompt:   prompt,
				Schedule: sched,
			})
			if err != nil {
				fail(err)
			}
			fmt.Printf("Created job %s\n", job.ID)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name (derived from prompt if omitted)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt to send when the job fires")
	cmd.Flags().StringVar(&at, "at", "", "one-shot fire time, RFC3339")
	cmd.Flags().StringVar(&every, "every", "", "repeat interval, e.g. 30s, 5m, 1h")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "5-field cron expression")
	cmd.Flags().StringVar(&tz, "tz", "UTC", "IANA timezone for --cron")
	cmd.MarkFlagsOneRequired("at", "every", "cron")
	return cmd
}

func parseScheduleFlags(at, every, cronExpr, tz string) (cron.Schedule, error) {
	switch {
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("--at: %w", err)
		}
		return cron.Schedule{Kind: cron.ScheduleAt, AtMs: t.UnixMilli()}, nil
	case every != "":
		d, err := time.ParseDuration(every)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("--every: %w", err)
		}
		return cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: d.Milliseconds()}, nil
	case cronExpr != "":
		return cron.Schedule{Kind: cron.ScheduleCron, Expr: cronExpr, TZ: tz}, nil
	default:
		return cron.Schedule{}, fmt.Errorf("one of --at, --every, --cron is required")
	}
}

func listCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			svc, stop, err := loadService()
			if err != nil {
				fail(err)
			}
			defer stop()
			printJobs(svc.List(), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func getCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "get [jobId]",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, stop, err := loadService()
			if err != nil {
				fail(err)
			}
			defer stop()
			job, err := svc.Get(args[0])
			if err != nil {
				fail(err)
			}
			printJobs([]*cron.Job{job}, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm [jobId]",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, stop, err := loadService()
			if err != nil {
				fail(err)
			}
			defer stop()
			if err := svc.Remove(args[0]); err != nil {
				fail(err)
			}
			fmt.Printf("Removed job %s\n", args[0])
		},
	}
}

func enableCmd(enabled bool) *cobra.Command {
	use := "disable [jobId]"
	short := "Disable a job"
	if enabled {
		use = "enable [jobId]"
		short = "Enable a job"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, stop, err := loadService()
			if err != nil {
				fail(err)
			}
			defer stop()
			if err := svc.SetEnabled(args[0], enabled); err != nil {
				fail(err)
			}
			fmt.Printf("Job %s enabled=%v\n", args[0], enabled)
		},
	}
}

func renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename [jobId] [name]",
		Short: "Rename a job",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			svc, stop, err := loadService()
			if err != nil {
				fail(err)
			}
			defer stop()
			if err := svc.Rename(args[0], args[1]); err != nil {
				fail(err)
			}
			fmt.Printf("Renamed job %s\n", args[0])
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [jobId]",
		Short: "Run a job immediately, outside its schedule",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, stop, err := loadService()
			if err != nil {
				fail(err)
			}
			defer stop()
			if err := svc.RunNow(args[0]); err != nil {
				fail(err)
			}
			fmt.Printf("Triggered job %s\n", args[0])
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		Run: func(cmd *cobra.Command, args []string) {
			svc, stop, err := loadService()
			if err != nil {
				fail(err)
			}
			defer stop()
			st := svc.Status()
			fmt.Printf("running=%v jobs=%d activeRuns=%d defaultTz=%s\n",
				st.Running, st.JobCount, st.ActiveRuns, svc.GetDefaultTimezone())
		},
	}
}

func printJobs(jobs []*cron.Job, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(jobs, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs configured.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tENABLED\tSCHEDULE\tNEXT RUN\tLAST STATUS\n")
	for _, j := range jobs {
		schedule := string(j.Schedule.Kind)
		switch j.Schedule.Kind {
		case cron.ScheduleEvery:
			schedule = "every " + time.Duration(j.Schedule.EveryMs*int64(time.Millisecond)).String()
		case cron.ScheduleCron:
			schedule = j.Schedule.Expr
		}
		next := "-"
		if j.State.NextRunAtMs > 0 {
			next = time.UnixMilli(j.State.NextRunAtMs).Format(time.DateTime)
		}
		status := j.State.LastStatus
		if status == "" {
			status = "never run"
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\t%s\n", j.ID, j.Name, j.Enabled, schedule, next, status)
	}
	tw.Flush()
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
