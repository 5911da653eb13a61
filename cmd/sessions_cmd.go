package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/maxagent/maxd/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "View and manage chat sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	cmd.AddCommand(sessionsActionsCmd())
	cmd.AddCommand(sessionsTurnsCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		Run: func(cmd *cobra.Command, args []string) {
			st := openStore()
			defer st.Close()

			infos, err := st.ListSessions()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(infos, "", "  ")
				fmt.Println(string(data))
				return
			}
			if len(infos) == 0 {
				fmt.Println("No sessions found.")
				return
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "KEY\tUPDATED\n")
			for _, s := range infos {
				fmt.Fprintf(tw, "%s\t%s\n",
					truncateStr(s.Key, 50),
					time.UnixMilli(s.UpdatedAt).Format(time.DateTime),
				)
			}
			tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [key]",
		Short: "Delete a persisted session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			st := openStore()
			defer st.Close()

			if err := st.DeleteSession(args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Deleted session: %s\n", args[0])
		},
	}
}

func sessionsActionsCmd() *cobra.Command {
	var limit int
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "actions [key]",
		Short: "Show the action audit log for a session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			st := openStore()
			defer st.Close()

			records, err := st.ListActions(args[0], limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(records, "", "  ")
				fmt.Println(string(data))
				return
			}
			if len(records) == 0 {
				fmt.Println("No recorded actions.")
				return
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "TIME\tCAPABILITY\tDECISION\tOUTCOME\tDURATION\n")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\n",
					time.UnixMilli(r.CreatedAt).Format(time.DateTime),
					r.Capability, r.Decision, r.Outcome, r.DurationMs,
				)
			}
			tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max records to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func sessionsTurnsCmd() *cobra.Command {
	var limit int
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "turns [key]",
		Short: "Show the turn log for a session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			st := openStore()
			defer st.Close()

			records, err := st.ListTurns(args[0], limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(records, "", "  ")
				fmt.Println(string(data))
				return
			}
			if len(records) == 0 {
				fmt.Println("No recorded turns.")
				return
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "TIME\tTURN\tSTATUS\tUSER\tREPLY\n")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
					time.UnixMilli(r.CreatedAt).Format(time.DateTime),
					r.TurnNo, r.Status,
					truncateStr(r.UserText, 40), truncateStr(r.Reply, 40),
				)
			}
			tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max records to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func openStore() *store.Store {
	cfg := mustLoadConfig()
	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	return st
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
