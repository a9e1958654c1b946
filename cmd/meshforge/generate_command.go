package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"meshforge/internal/config"
	"meshforge/internal/manifest"
	"meshforge/internal/pipeline"
	"meshforge/internal/preflight"
	"meshforge/internal/spec"
)

// runFlags are shared by generate, batch and resume.
type runFlags struct {
	noWait       bool
	timeout      time.Duration
	pollInterval time.Duration
	skipChecks   bool
	jsonOutput   bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.noWait, "no-wait", false, "Submit the next step and return without polling")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Maximum wait per step (default from config)")
	cmd.Flags().DurationVar(&f.pollInterval, "poll-interval", 0, "Delay between status polls (default from config)")
	cmd.Flags().BoolVar(&f.skipChecks, "skip-checks", false, "Skip preflight directory and API checks")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "Output the manifest as JSON")
}

func (f *runFlags) options(cfg *config.Config) pipeline.Options {
	opts := pipeline.OptionsFrom(cfg)
	opts.Wait = !f.noWait
	if f.timeout > 0 {
		opts.Timeout = f.timeout
	}
	if f.pollInterval > 0 {
		opts.PollInterval = f.pollInterval
	}
	return opts
}

// signalContext cancels on SIGINT/SIGTERM so an interrupted wait leaves the
// manifest resumable.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runPreflight(ctx context.Context, cfg *config.Config) error {
	failed := preflight.Failed(preflight.RunAll(ctx, cfg))
	if len(failed) == 0 {
		return nil
	}
	parts := make([]string, 0, len(failed))
	for _, r := range failed {
		parts = append(parts, fmt.Sprintf("%s: %s", r.Name, r.Detail))
	}
	return fmt.Errorf("preflight failed (run `meshforge doctor` for details): %s", strings.Join(parts, "; "))
}

type specFlags struct {
	preset         string
	intent         string
	description    string
	artStyle       string
	polycount      int
	assetID        string
	species        string
	outputPath     string
	negativePrompt string
	seed           int64
	rig            bool
	refine         bool
	animations     []int
	texturePrompt  string
	imageURL       string
	textureStyle   string
}

func (f *specFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.preset, "preset", "p", "", "Start from a named preset (see `meshforge presets list`)")
	flags.StringVar(&f.intent, "intent", "", "Asset intent (player_character, npc_character, prop_decoration, prop_interactable, creature_prey, terrain_element, environment)")
	flags.StringVarP(&f.description, "description", "d", "", "Prompt describing the asset")
	flags.StringVar(&f.artStyle, "art-style", "", "Art style (realistic, sculpture, cartoon, low-poly)")
	flags.IntVar(&f.polycount, "polycount", 0, "Target polycount (100-300000)")
	flags.StringVar(&f.assetID, "asset-id", "", "Explicit asset id (default derived from the description)")
	flags.StringVar(&f.species, "species", "", "Species grouping for output and manifests")
	flags.StringVar(&f.outputPath, "output-path", "", "Output directory relative to the output root")
	flags.StringVar(&f.negativePrompt, "negative-prompt", "", "Features to avoid")
	flags.Int64Var(&f.seed, "seed", 0, "Generation seed")
	flags.BoolVar(&f.rig, "rig", false, "Auto-rig the model")
	flags.BoolVar(&f.refine, "refine", false, "Run the texture refine pass")
	flags.IntSliceVar(&f.animations, "animation", nil, "Animation id to apply (repeatable; implies --rig)")
	flags.StringVar(&f.texturePrompt, "texture-prompt", "", "Retexture prompt applied after generation")
	flags.StringVar(&f.imageURL, "image-url", "", "Reference image; generates with image-to-3d instead of text-to-3d")
	flags.StringVar(&f.textureStyle, "texture-style", "", "Style prompt for a text-to-texture pass over the model")
}

// build assembles the spec: preset first, then every flag the user set, then
// the positional description.
func (f *specFlags) build(cmd *cobra.Command, args []string) (spec.GenerationSpec, error) {
	var s spec.GenerationSpec
	if name := strings.TrimSpace(f.preset); name != "" {
		preset, err := spec.LookupPreset(name)
		if err != nil {
			return spec.GenerationSpec{}, err
		}
		s = preset.Build()
	}
	changed := cmd.Flags().Changed
	if changed("intent") {
		s.Intent = spec.Intent(strings.TrimSpace(f.intent))
	}
	if changed("description") {
		s.Description = strings.TrimSpace(f.description)
	}
	if len(args) > 0 {
		s.Description = strings.TrimSpace(strings.Join(args, " "))
	}
	if changed("art-style") {
		s.ArtStyle = spec.ArtStyle(strings.TrimSpace(f.artStyle))
	}
	if changed("polycount") {
		s.TargetPolycount = f.polycount
	}
	if changed("asset-id") {
		s.AssetID = strings.TrimSpace(f.assetID)
	}
	if changed("species") {
		s.Species = strings.TrimSpace(f.species)
	}
	if changed("output-path") {
		s.OutputPath = strings.TrimSpace(f.outputPath)
	}
	if changed("negative-prompt") {
		s.NegativePrompt = strings.TrimSpace(f.negativePrompt)
	}
	if changed("seed") {
		seed := f.seed
		s.Seed = &seed
	}
	if changed("rig") {
		s.Rig = f.rig
	}
	if changed("refine") {
		s.Refine = f.refine
	}
	if changed("animation") {
		s.AnimationIDs = append([]int(nil), f.animations...)
	}
	if changed("texture-prompt") {
		s.TexturePrompt = strings.TrimSpace(f.texturePrompt)
	}
	if changed("image-url") {
		s.ImageURL = strings.TrimSpace(f.imageURL)
	}
	if changed("texture-style") {
		s.TextureStyle = strings.TrimSpace(f.textureStyle)
	}
	if s.Intent == "" {
		s.Intent = spec.IntentPropDecoration
	}
	if s.ArtStyle == "" {
		s.ArtStyle = spec.ArtStyleRealistic
	}
	if strings.TrimSpace(s.Description) == "" {
		return spec.GenerationSpec{}, errors.New("a description is required (positional argument, --description, or --preset)")
	}
	return s, nil
}

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var sf specFlags
	var rf runFlags

	cmd := &cobra.Command{
		Use:   "generate [description...]",
		Short: "Generate one asset and run its follow-up steps",
		Example: `  meshforge generate "weathered oak barrel with iron bands"
  meshforge generate --preset otter_player
  meshforge generate -d "arctic fox" --intent npc_character --rig --animation 1 --animation 30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sf.build(cmd, args)
			if err != nil {
				return err
			}
			if err := s.Validate(); err != nil {
				return err
			}

			runCtx, stop := signalContext(cmd)
			defer stop()
			rt, err := ctx.openRuntime(runCtx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if !rf.skipChecks {
				if err := runPreflight(runCtx, rt.cfg); err != nil {
					return err
				}
			}

			m, runErr := rt.orch.Generate(runCtx, s, rf.options(rt.cfg))
			return reportRun(cmd, rt, m, s, runErr, rf.jsonOutput)
		},
	}
	sf.register(cmd)
	rf.register(cmd)
	return cmd
}

// reportRun prints the manifest even when the run failed, so the operator
// sees which step stopped and can resume.
func reportRun(cmd *cobra.Command, rt *runtime, m *manifest.AssetManifest, s spec.GenerationSpec, runErr error, jsonOutput bool) error {
	if m == nil && runErr != nil {
		if key, err := pipeline.KeyFor(s); err == nil {
			if loaded, err := rt.store.Load(context.WithoutCancel(cmd.Context()), key); err == nil {
				m = loaded
			}
		}
	}
	if m != nil {
		var err error
		if jsonOutput {
			err = writeJSON(cmd, m)
		} else {
			err = printManifestSummary(cmd.OutOrStdout(), m, shouldColorize(cmd.OutOrStdout()))
		}
		if err != nil && runErr == nil {
			return err
		}
	}
	if runErr != nil && m != nil && errors.Is(runErr, pipeline.ErrPollTimeout) {
		return fmt.Errorf("%w\nresume with: meshforge resume %s %s --spec-hash %s",
			runErr, m.Species, m.AssetID, manifest.ShortHash(m.AssetSpecHash))
	}
	return runErr
}

func newBatchCommand(ctx *commandContext) *cobra.Command {
	var rf runFlags
	var workers int

	cmd := &cobra.Command{
		Use:   "batch <spec-file>",
		Short: "Generate every asset listed in a YAML or JSON spec file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := spec.LoadFile(args[0])
			if err != nil {
				return err
			}

			runCtx, stop := signalContext(cmd)
			defer stop()
			rt, err := ctx.openRuntime(runCtx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if !rf.skipChecks {
				if err := runPreflight(runCtx, rt.cfg); err != nil {
					return err
				}
			}

			opts := rf.options(rt.cfg)
			if workers > 0 {
				opts.Workers = workers
			}
			results := rt.orch.BatchGenerate(runCtx, specs, opts)

			if rf.jsonOutput {
				if err := writeJSON(cmd, results); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), renderManifestTable(results))
				fmt.Fprintf(cmd.OutOrStdout(), "%d of %d assets processed\n", len(results), len(specs))
			}
			if err := runCtx.Err(); err != nil {
				return err
			}
			if failed := len(specs) - len(results); failed > 0 {
				return fmt.Errorf("%d of %d assets failed; see the log for details", failed, len(specs))
			}
			return nil
		},
	}
	rf.register(cmd)
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Concurrent assets (default from config)")
	return cmd
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	var rf runFlags
	var specHash string

	cmd := &cobra.Command{
		Use:   "resume <species> <asset-id>",
		Short: "Continue an asset from its manifest without resubmitting finished steps",
		Long: `Continue an asset from its manifest without resubmitting finished steps.

Each distinct spec of an asset id has its own manifest. When more than one
exists, pass --spec-hash (a prefix is enough) to pick one.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signalContext(cmd)
			defer stop()
			rt, err := ctx.openRuntime(runCtx)
			if err != nil {
				return err
			}
			defer rt.Close()

			key := manifest.AssetKey{
				Species:  strings.TrimSpace(args[0]),
				AssetID:  strings.TrimSpace(args[1]),
				SpecHash: strings.TrimSpace(specHash),
			}
			m, runErr := rt.orch.Resume(runCtx, key, rf.options(rt.cfg))
			if m == nil && runErr != nil {
				if loaded, err := rt.store.Load(context.WithoutCancel(runCtx), key); err == nil {
					m = loaded
				}
			}
			if m != nil {
				if rf.jsonOutput {
					if err := writeJSON(cmd, m); err != nil && runErr == nil {
						return err
					}
				} else if err := printManifestSummary(cmd.OutOrStdout(), m, shouldColorize(cmd.OutOrStdout())); err != nil && runErr == nil {
					return err
				}
			}
			return runErr
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVar(&specHash, "spec-hash", "", "Spec hash or prefix selecting one of several manifests")
	return cmd
}
