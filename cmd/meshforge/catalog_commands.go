package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"meshforge/internal/animations"
	"meshforge/internal/canonical"
	"meshforge/internal/spec"
)

var skipConfig = map[string]string{"skipConfigLoad": "true"}

func renderAnimationTable(items []animations.Animation) string {
	rows := make([][]string, 0, len(items))
	for _, a := range items {
		rows = append(rows, []string{strconv.Itoa(a.ID), a.Name, a.Category, a.Subcategory})
	}
	return renderTable([]string{"ID", "Name", "Category", "Subcategory"}, rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft})
}

func newAnimationsCommand() *cobra.Command {
	animCmd := &cobra.Command{
		Use:         "animations",
		Short:       "Browse the animation catalog",
		Annotations: skipConfig,
	}

	var category string
	var jsonOutput bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List animations, optionally by category",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := animations.Default()
			if err != nil {
				return err
			}
			items := catalog.All()
			if c := strings.TrimSpace(category); c != "" {
				items = catalog.ListByCategory(c)
			}
			if jsonOutput {
				return writeJSON(cmd, items)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderAnimationTable(items))
			fmt.Fprintf(cmd.OutOrStdout(), "Catalog %s: %d of %d animations (categories: %s)\n",
				catalog.Version(), len(items), catalog.Len(), strings.Join(catalog.Categories(), ", "))
			return nil
		},
	}
	listCmd.Flags().StringVar(&category, "category", "", "Only list this category")
	listCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one animation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("invalid animation id %q", args[0])
			}
			catalog, err := animations.Default()
			if err != nil {
				return err
			}
			a, err := catalog.Lookup(id)
			if err != nil {
				return err
			}
			return writeJSON(cmd, a)
		},
	}

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find animations whose name contains query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := animations.Default()
			if err != nil {
				return err
			}
			items := catalog.Search(strings.Join(args, " "))
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No animations matched")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderAnimationTable(items))
			return nil
		},
	}

	animCmd.AddCommand(listCmd, showCmd, searchCmd)
	return animCmd
}

func newPresetsCommand() *cobra.Command {
	presetsCmd := &cobra.Command{
		Use:         "presets",
		Short:       "Inspect built-in asset presets",
		Annotations: skipConfig,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := [][]string{}
			for _, name := range spec.PresetNames() {
				p, err := spec.LookupPreset(name)
				if err != nil {
					return err
				}
				s := p.Build()
				rows = append(rows, []string{name, string(s.Intent), spec.AssetID(s), p.Summary})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Preset", "Intent", "Asset", "Summary"}, rows, nil))
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Print a preset's canonical spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := spec.LookupPreset(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			canonicalSpec, err := canonical.Canonicalize(p.Build())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), canonicalSpec)
			return nil
		},
	}

	presetsCmd.AddCommand(listCmd, showCmd)
	return presetsCmd
}
