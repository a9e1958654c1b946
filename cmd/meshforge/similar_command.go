package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"meshforge/internal/embeddings"
)

func newSimilarCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "similar <prompt...>",
		Short: "Find previously generated assets with similar prompts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cfg.Embeddings.Enabled {
				return errors.New("prompt index disabled; set [embeddings] enabled = true in the config")
			}
			index, err := embeddings.Open(cmd.Context(), cfg, ctx.loggerFor(cfg))
			if err != nil {
				return err
			}
			defer index.Close()

			matches, err := index.Similar(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, matches)
			}
			if len(matches) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No similar prompts recorded")
				return nil
			}
			rows := make([][]string, 0, len(matches))
			for _, m := range matches {
				rows = append(rows, []string{fmt.Sprintf("%.3f", m.Score), m.Species, m.AssetID, m.Prompt})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Score", "Species", "Asset", "Prompt"}, rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft}))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "Maximum matches")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
