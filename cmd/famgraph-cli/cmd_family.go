package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/persistorai/famgraph/client"
)

func newSubgraphCmd() *cobra.Command {
	var opts client.SubgraphOptions
	cmd := &cobra.Command{
		Use:   "subgraph <familyId>",
		Short: "Fetch a family's graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sg, err := apiClient.Families.Subgraph(cmd.Context(), args[0], &opts)
			if err != nil {
				return fmt.Errorf("subgraph: %w", err)
			}
			output(sg, strconv.Itoa(len(sg.Nodes)), func() {
				rows := make([][]string, 0, len(sg.Nodes))
				for _, n := range sg.Nodes {
					rows = append(rows, []string{n.Key.String(), strconv.FormatInt(n.Version, 10), strconv.FormatBool(n.Placeholder)})
				}
				formatTable([]string{"NODE", "VERSION", "PLACEHOLDER"}, rows)
				fmt.Printf("\n%d nodes, %d relationships, truncated=%t\n", len(sg.Nodes), len(sg.Relationships), sg.Truncated)
			})
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.MaxNodes, "max-nodes", 0, "Node limit (server default when 0)")
	cmd.Flags().IntVar(&opts.MaxRelationships, "max-relationships", 0, "Relationship limit (server default when 0)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <familyId> | status <entityType> <externalId>",
		Short: "Show sync health of a family or one entity",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				rec, err := apiClient.Sync.Status(cmd.Context(), args[0], args[1])
				if err != nil {
					return fmt.Errorf("entity status: %w", err)
				}
				output(rec, rec.State, func() {
					formatTable([]string{"ENTITY", "STATE", "APPLIED", "SOURCE", "ATTEMPTS", "LAST_SYNCED"}, [][]string{{
						rec.Key.String(), rec.State,
						strconv.FormatInt(rec.LastAppliedVersion, 10), strconv.FormatInt(rec.SourceVersion, 10),
						strconv.Itoa(rec.Attempts), formatTime(rec.LastSyncedAt),
					}})
				})
				return nil
			}

			st, err := apiClient.Families.SyncStatus(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("family status: %w", err)
			}
			output(st, st.Health, func() {
				rows := [][]string{
					{"Health", st.Health},
					{"Entities", strconv.Itoa(st.Entities)},
					{"Dead-lettered", strconv.Itoa(st.DeadLettered)},
					{"Placeholders", strconv.Itoa(st.Placeholders)},
					{"Last synced", formatTime(st.LastSyncedAt)},
				}
				if st.OldestPendingAge != "" {
					rows = append(rows, []string{"Oldest pending", st.OldestPendingAge})
				}
				states := make([]string, 0, len(st.States))
				for s := range st.States {
					states = append(states, s)
				}
				sort.Strings(states)
				for _, s := range states {
					rows = append(rows, []string{"State " + s, strconv.Itoa(st.States[s])})
				}
				formatTable([]string{"METRIC", "VALUE"}, rows)
			})
			return nil
		},
	}
}

func newDeadLettersCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deadletters <familyId>",
		Short: "List archived dead letters of a family",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := apiClient.Families.DeadLetters(cmd.Context(), args[0], limit)
			if err != nil {
				return fmt.Errorf("dead letters: %w", err)
			}
			output(refs, strconv.Itoa(len(refs)), func() {
				rows := make([][]string, 0, len(refs))
				for _, r := range refs {
					rows = append(rows, []string{r.EntityType + ":" + r.ExternalID, r.EventID, formatTime(&r.LastModified), r.Key})
				}
				formatTable([]string{"ENTITY", "EVENT", "ARCHIVED", "KEY"}, rows)
			})
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Max results")
	return cmd
}
