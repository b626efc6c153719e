package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/persistorai/famgraph/client"
)

func newAuditCmd() *cobra.Command {
	var (
		opts  client.AuditQueryOptions
		since string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since != "" {
				t, err := parseSince(since, time.Now())
				if err != nil {
					return err
				}
				opts.Since = &t
			}
			entries, _, err := apiClient.Audit.Query(cmd.Context(), &opts)
			if err != nil {
				return fmt.Errorf("audit query: %w", err)
			}
			output(entries, strconv.Itoa(len(entries)), func() {
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{strconv.FormatInt(e.ID, 10), e.Action, e.FamilyID, e.Target, e.CreatedAt.Format("2006-01-02 15:04:05")})
				}
				formatTable([]string{"ID", "ACTION", "FAMILY", "TARGET", "CREATED_AT"}, rows)
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.FamilyID, "family", "", "Filter by family ID")
	cmd.Flags().StringVar(&opts.Action, "action", "", "Filter by action")
	cmd.Flags().StringVar(&since, "since", "", "Only entries after this RFC3339 time or duration ago (e.g. 24h)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Max results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Skip this many results")

	cmd.AddCommand(auditPurgeCmd())
	return cmd
}

// parseSince accepts an RFC3339 timestamp or a duration counted back from now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("--since must be RFC3339 or a positive duration, got %q", s)
	}
	return now.Add(-d), nil
}

func auditPurgeCmd() *cobra.Command {
	var retentionDays int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Purge old audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := apiClient.Audit.Purge(cmd.Context(), retentionDays)
			if err != nil {
				return fmt.Errorf("audit purge: %w", err)
			}
			output(map[string]int{"deleted": deleted}, strconv.Itoa(deleted), nil)
			return nil
		},
	}
	cmd.Flags().IntVar(&retentionDays, "retention-days", 90, "Delete entries older than N days")
	return cmd
}
