package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/graph"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plans.yaml>",
		Short: "Check plan files for structural errors and cycles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if err := validateFile(path); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d plan files are invalid", failed, len(args))
			}
			return nil
		},
	}
}

// validateFile parses path and builds the dependency graph of every plan,
// including the write-once check of output keys across iterations.
func validateFile(path string) error {
	set, err := core.LoadPlans(path)
	if err != nil {
		return err
	}
	published := graph.NewSet()
	for i := range set.Plans {
		g, err := graph.Build(&set.Plans[i])
		if err != nil {
			return fmt.Errorf("plan %d: %w", i+1, err)
		}
		if err := g.CheckOutputKeys(published.Has); err != nil {
			return fmt.Errorf("plan %d: %w", i+1, err)
		}
		for _, a := range set.Plans[i].Actions {
			if a.OutputKey != "" {
				published.Add(a.OutputKey)
			}
		}
	}
	return nil
}
