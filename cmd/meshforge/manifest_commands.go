package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"meshforge/internal/manifest"
)

func newManifestCommand(ctx *commandContext) *cobra.Command {
	manifestCmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect asset manifests",
	}
	manifestCmd.AddCommand(newManifestListCommand(ctx))
	manifestCmd.AddCommand(newManifestShowCommand(ctx))
	manifestCmd.AddCommand(newManifestReindexCommand(ctx))
	return manifestCmd
}

func newManifestListCommand(ctx *commandContext) *cobra.Command {
	var filter manifest.Filter
	var status string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List manifests from the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			filter.Status = manifest.Status(strings.ToUpper(strings.TrimSpace(status)))
			entries, err := store.Entries(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No manifests found")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderIndexTable(entries))
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.Species, "species", "", "Only list this species")
	cmd.Flags().StringVar(&filter.Intent, "intent", "", "Only list this intent")
	cmd.Flags().StringVar(&status, "status", "", "Only list assets whose newest task has this status")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newManifestShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	var specHash string

	cmd := &cobra.Command{
		Use:   "show <species> <asset-id>",
		Short: "Show one manifest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			key := manifest.AssetKey{
				Species:  strings.TrimSpace(args[0]),
				AssetID:  strings.TrimSpace(args[1]),
				SpecHash: strings.TrimSpace(specHash),
			}
			m, err := store.Load(cmd.Context(), key)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, m)
			}
			if err := printManifestSummary(cmd.OutOrStdout(), m, shouldColorize(cmd.OutOrStdout())); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nManifest: %s\n", store.Path(m.Key()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the raw manifest as JSON")
	cmd.Flags().StringVar(&specHash, "spec-hash", "", "Spec hash or prefix selecting one of several manifests")
	return cmd
}

func newManifestReindexCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the SQLite index from the manifest files",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			count, err := store.Reindex(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d manifests\n", count)
			return nil
		},
	}
}
