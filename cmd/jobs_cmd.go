package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/maxagent/maxd/internal/cron"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled jobs and reminders",
	}
	cmd.AddCommand(jobsListCmd())
	cmd.AddCommand(jobsDeleteCmd())
	cmd.AddCommand(jobsToggleCmd())
	cmd.AddCommand(jobsRunCmd())
	return cmd
}

func jobsListCmd() *cobra.Command {
	var jsonOutput bool
	var showDisabled bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			svc := loadJobStore()
			jobs := svc.ListJobs(showDisabled)

			if jsonOutput {
				data, _ := json.MarshalIndent(jobs, "", "  ")
				fmt.Println(string(data))
				return
			}
			if len(jobs) == 0 {
				fmt.Println("No scheduled jobs.")
				return
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT RUN\tLAST STATUS\n")
			for _, j := range jobs {
				next := "-"
				if j.State.NextRunAtMS != nil {
					next = time.UnixMilli(*j.State.NextRunAtMS).Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\t%s\n",
					j.ID, truncateStr(j.Name, 30), describeSchedule(j.Schedule),
					j.Enabled, next, j.State.LastStatus,
				)
			}
			tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&showDisabled, "all", false, "include disabled jobs")
	return cmd
}

func jobsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a scheduled job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc := loadJobStore()
			if err := svc.RemoveJob(args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Deleted job %s\n", args[0])
		},
	}
}

func jobsToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle [id] [on|off]",
		Short: "Enable or disable a scheduled job",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			enabled := args[1] == "on" || args[1] == "true" || args[1] == "1"
			svc := loadJobStore()
			if err := svc.EnableJob(args[0], enabled); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Job %s enabled=%v\n", args[0], enabled)
		},
	}
}

func jobsRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [id]",
		Short: "Run a job immediately",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc := loadJobStore()
			svc.SetOnJob(func(job *cron.Job) (string, error) {
				if job.Payload.Deliver {
					return job.Payload.Message, nil
				}
				return "", fmt.Errorf("agent jobs run inside the daemon; start maxd first")
			})
			ran, result, err := svc.RunJob(args[0], true)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !ran {
				fmt.Println("Job was not run.")
				return
			}
			fmt.Println(result)
		},
	}
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case "at":
		if s.AtMS != nil {
			return "at " + time.UnixMilli(*s.AtMS).Format(time.DateTime)
		}
		return "at ?"
	case "every":
		if s.EveryMS != nil {
			return "every " + (time.Duration(*s.EveryMS) * time.Millisecond).String()
		}
		return "every ?"
	case "cron":
		return s.Expr
	default:
		return s.Kind
	}
}

func loadJobStore() *cron.Service {
	cfg := mustLoadConfig()
	svc := cron.NewService(filepath.Join(cfg.DataDir, "jobs.json"), nil)
	if err := svc.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	svc.Stop()
	return svc
}
