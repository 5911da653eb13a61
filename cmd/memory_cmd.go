package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/maxagent/maxd/internal/memory"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage the agent's long-term memory",
	}
	cmd.AddCommand(memoryListCmd())
	cmd.AddCommand(memorySearchCmd())
	cmd.AddCommand(memoryForgetCmd())
	return cmd
}

func memoryListCmd() *cobra.Command {
	var user string
	var limit int
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent memories for a user",
		Run: func(cmd *cobra.Command, args []string) {
			mem := openMemory()
			defer mem.Close()

			entries, err := mem.ListRecent(user, limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(entries, "", "  ")
				fmt.Println(string(data))
				return
			}
			if len(entries) == 0 {
				fmt.Println("No memories stored.")
				return
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\tCREATED\tTAGS\tCONTENT\n")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					e.ID,
					time.UnixMilli(e.CreatedAt).Format(time.DateOnly),
					strings.Join(e.Tags, ","),
					truncateStr(e.Content, 60),
				)
			}
			tw.Flush()
		},
	}
	cmd.Flags().StringVar(&user, "user", "local", "memory owner (channel user id)")
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func memorySearchCmd() *cobra.Command {
	var user string
	var limit int
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Full-text search stored memories",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			mem := openMemory()
			defer mem.Close()

			results, err := mem.Search(user, args[0], limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(results) == 0 {
				fmt.Println("No matches.")
				return
			}
			for i, r := range results {
				fmt.Printf("%d. %s (id %s)\n", i+1, r.Content, r.ID)
			}
		},
	}
	cmd.Flags().StringVar(&user, "user", "local", "memory owner (channel user id)")
	cmd.Flags().IntVar(&limit, "limit", 10, "max results")
	return cmd
}

func memoryForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget [id]",
		Short: "Delete a memory by id",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			mem := openMemory()
			defer mem.Close()

			if err := mem.Delete(args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Forgot memory %s\n", args[0])
		},
	}
}

func openMemory() *memory.Store {
	cfg := mustLoadConfig()
	mem, err := memory.Open(cfg.Memory.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening memory store: %v\n", err)
		os.Exit(1)
	}
	return mem
}
