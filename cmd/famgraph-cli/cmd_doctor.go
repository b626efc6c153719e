package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/persistorai/famgraph/client"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration and connectivity",
		Long:  "Run diagnostic checks against config, server liveness, and server readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), apiClient)
		},
	}
}

type checkResult struct {
	Name   string
	Passed bool
	Detail string
	Hint   string
}

func runDoctor(ctx context.Context, c *client.Client) error {
	fmt.Println("\nfamgraph doctor")
	fmt.Println("===============")

	var results []checkResult

	cfgPath, _, cfgErr := loadProfiles()
	if cfgErr != nil {
		// The config file is optional; flags and env are enough.
		results = append(results, checkResult{
			Name: "Config file", Passed: true,
			Detail: fmt.Sprintf("not found (%s), using flags and env", cfgPath),
		})
	} else {
		results = append(results, checkResult{
			Name: "Config file", Passed: true,
			Detail: fmt.Sprintf("found (%s)", cfgPath),
		})
	}

	results = append(results, checkResult{Name: "Server URL", Passed: flagURL != "", Detail: flagURL, Hint: "Set --url, FAMGRAPH_URL, or run famgraph-cli init"})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := c.Health(ctx)
	if err != nil {
		results = append(results, checkResult{
			Name: "Server reachable", Passed: false,
			Detail: flagURL,
			Hint:   fmt.Sprintf("Is famgraph running? Error: %v", err),
		})
	} else {
		results = append(results, checkResult{
			Name: "Server reachable", Passed: true,
			Detail: fmt.Sprintf("v%s, backend %s, %d subscribers", health.Version, health.Backend, health.Subscribers),
		})

		ready, err := c.Ready(ctx)
		results = append(results, readinessResult(ready, err))
	}

	fmt.Println()
	allPassed := true
	for _, r := range results {
		mark := "✅"
		if !r.Passed {
			mark = "❌"
			allPassed = false
		}
		if r.Detail != "" {
			fmt.Printf("%s %s: %s\n", mark, r.Name, r.Detail)
		} else {
			fmt.Printf("%s %s\n", mark, r.Name)
		}
		if !r.Passed && r.Hint != "" {
			fmt.Printf("   Hint: %s\n", r.Hint)
		}
	}

	fmt.Println()
	if !allPassed {
		fmt.Println("❌ Some checks failed.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Println("✅ All checks passed!")
	return nil
}

func readinessResult(ready *client.ReadyResponse, err error) checkResult {
	res := checkResult{Name: "Dependencies ready"}
	if ready == nil {
		res.Hint = fmt.Sprintf("Readiness probe failed: %v", err)
		return res
	}

	names := make([]string, 0, len(ready.Checks))
	for name := range ready.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+ready.Checks[name])
	}
	res.Detail = strings.Join(parts, ", ")
	res.Passed = err == nil
	if !res.Passed {
		res.Hint = "A backing store is unreachable; check the server logs"
	}
	return res
}
