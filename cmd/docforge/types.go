package main

import (
	"fmt"

	"docforge/internal/doctype"

	"github.com/spf13/cobra"
)

func newTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the supported document types",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, t := range doctype.All() {
				d, _ := doctype.Lookup(t)
				fmt.Fprintf(cmd.OutOrStdout(), "%-22s %-22s %s\n", t, d.Title, d.ArtifactName)
			}
			return nil
		},
	}
}
