package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"uniqua/internal/store"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent uniquafy requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openHistory()
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.Recent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}
			if asJSON {
				data, _ := json.MarshalIndent(recs, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			if len(recs) == 0 {
				fmt.Println("No requests yet.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CREATED\tCHANNEL\tUSER\tSTATUS\tTOOK\tDETAIL")
			for _, r := range recs {
				took := "-"
				if r.CompletedAt != nil {
					took = r.CompletedAt.Sub(r.CreatedAt).Round(100 * time.Millisecond).String()
				}
				detail := r.MediaRef
				if r.Error != "" {
					detail = r.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Channel, r.UserID, r.Status, took, truncate(detail, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of requests to show")
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print as JSON")

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count requests by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openHistory()
			if err != nil {
				return err
			}
			defer st.Close()

			counts, err := st.CountByStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}
			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Printf("%-18s %d\n", s, counts[s])
			}
			return nil
		},
	})

	show := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show one request in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openHistory()
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := st.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}
			if rec == nil {
				return fmt.Errorf("request %s not found", args[0])
			}
			if asJSON {
				data, _ := json.MarshalIndent(rec, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			writeRecord(cmd.OutOrStdout(), rec)
			return nil
		},
	}
	cmd.AddCommand(show)

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete old requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openHistory()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.Prune(cmd.Context(), olderThan)
			if err != nil {
				return fmt.Errorf("prune history: %w", err)
			}
			logger.Info("history pruned", "removed", n, "older_than", olderThan)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "remove requests older than this")
	cmd.AddCommand(prune)

	return cmd
}

func writeRecord(w io.Writer, r *store.Record) {
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(w, "%-10s %s\n", name+":", value)
		}
	}
	field("Request", r.ID)
	field("Status", r.Status)
	field("Channel", r.Channel)
	field("Chat", r.ChatID)
	field("User", r.UserID)
	field("Created", r.CreatedAt.Local().Format(time.RFC3339))
	if r.CompletedAt != nil {
		field("Completed", r.CompletedAt.Local().Format(time.RFC3339))
		field("Took", r.CompletedAt.Sub(r.CreatedAt).Round(time.Millisecond).String())
	}
	field("Source", r.SourceURL)
	field("Media", r.MediaRef)
	field("Error", r.Error)
}

func openHistory() (*store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !cfg.Store.Enabled {
		return nil, fmt.Errorf("history is disabled (store.enabled=false)")
	}
	return store.NewSQLiteStore(cfg.Store.DBPath, logger)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
