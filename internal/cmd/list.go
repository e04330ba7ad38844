package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tachrun/tach/internal/output"
)

func addListCommand(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "list [path]",
		Short: "Discover tests under path without running them",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runList,
	}
	cmd.Flags().StringVar(&runTestsJSONFlag, "tests-json", "", "Read a pre-resolved test list from this file instead of the discovery collaborator (internal)")
	cmd.Flags().MarkHidden("tests-json")
	root.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving project root: %w", err)
	}

	resolver, err := buildResolver(root)
	if err != nil {
		return err
	}
	tests, err := resolver.Resolve(context.Background(), root)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	if output.IsJSON() {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, t := range tests {
			if err := enc.Encode(t); err != nil {
				return err
			}
		}
		return nil
	}

	for _, t := range tests {
		fmt.Fprintf(cmd.OutOrStdout(), "%s::%s\n", t.FilePath, t.TestName)
	}
	return nil
}
