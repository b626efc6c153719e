package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/persistorai/famgraph/client"
)

func newResyncCmd() *cobra.Command {
	var family string
	cmd := &cobra.Command{
		Use:   "resync <entityType> <externalId> | resync --family <familyId>",
		Short: "Re-read entities from their source and apply them again",
		Args: func(cmd *cobra.Command, args []string) error {
			switch {
			case family != "" && len(args) > 0:
				return errors.New("pass either --family or an entity, not both")
			case family == "" && len(args) != 2:
				return errors.New("requires <entityType> <externalId> or --family")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				res *client.ResyncResult
				err error
			)
			if family != "" {
				res, err = apiClient.Sync.ResyncFamily(cmd.Context(), family)
			} else {
				res, err = apiClient.Sync.ResyncEntity(cmd.Context(), args[0], args[1])
			}
			if err != nil {
				return fmt.Errorf("resync: %w", err)
			}
			output(res, strconv.Itoa(res.Emitted), nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&family, "family", "", "Resync every entity of this family")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	var (
		wait     bool
		timeout  time.Duration
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reconcile <familyId>",
		Short: "Scan and repair a family's projection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ticket, err := apiClient.Families.Reconcile(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			if !wait {
				output(ticket, ticket.JobID, nil)
				return nil
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			job, err := apiClient.Jobs.Wait(ctx, ticket.JobID, interval)
			if err != nil {
				if job != nil {
					printJob(job)
				}
				return fmt.Errorf("waiting for job %s: %w", ticket.JobID, err)
			}
			printJob(job)
			if job.State == client.JobFailed {
				return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the job to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Give up waiting after this long")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Poll interval while waiting")
	return cmd
}

func newJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job <jobId>",
		Short: "Show a reconcile job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := apiClient.Jobs.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("job: %w", err)
			}
			printJob(job)
			return nil
		},
	}
}

func printJob(job *client.ReconcileJob) {
	output(job, job.State, func() {
		rows := [][]string{
			{"Job", job.ID},
			{"Family", job.FamilyID},
			{"State", job.State},
			{"Trigger", job.Trigger},
			{"Started", formatTime(job.StartedAt)},
			{"Finished", formatTime(job.FinishedAt)},
		}
		if r := job.Report; r != nil {
			rows = append(rows,
				[]string{"Dangling edges", strconv.Itoa(len(r.DanglingEdges))},
				[]string{"Orphan placeholders", strconv.Itoa(len(r.OrphanPlaceholders))},
				[]string{"Stale nodes", strconv.Itoa(len(r.StaleNodes))},
			)
		}
		if r := job.Result; r != nil {
			rows = append(rows,
				[]string{"Removed edges", strconv.Itoa(r.RemovedEdges)},
				[]string{"Resyncs requested", strconv.Itoa(r.ResyncRequested)},
				[]string{"Verified", strconv.Itoa(r.Verified)},
			)
		}
		if job.Error != "" {
			rows = append(rows, []string{"Error", job.Error})
		}
		formatTable([]string{"FIELD", "VALUE"}, rows)
	})
}

func newNodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "node <entityType> <externalId>",
		Short: "Show one projected node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := apiClient.Nodes.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("node: %w", err)
			}
			output(node, node.Key.String(), nil)
			return nil
		},
	}
}
