package spec

import (
	"fmt"
	"sort"
)

// Preset builds a ready-made GenerationSpec. Builders are pure.
type Preset struct {
	Name    string
	Summary string
	Build   func() GenerationSpec
}

var presets = map[string]Preset{
	"otter_player": {
		Name:    "otter_player",
		Summary: "rigged player otter with idle and swim animations",
		Build: func() GenerationSpec {
			return GenerationSpec{
				Intent:          IntentPlayerCharacter,
				Description:     "anthropomorphic river otter adventurer, sleek brown fur, cream chest, leather satchel, standing upright in a neutral A-pose",
				ArtStyle:        ArtStyleRealistic,
				TargetPolycount: 15000,
				AssetID:         "otter_player",
				Species:         "otter",
				OutputPath:      "characters/otter",
				Rig:             true,
				AnimationIDs:    []int{0, 27},
				Metadata:        map[string]any{"role": "player"},
			}
		},
	},
	"otter_npc_male": {
		Name:    "otter_npc_male",
		Summary: "rigged vendor otter NPC",
		Build: func() GenerationSpec {
			return GenerationSpec{
				Intent:          IntentNPCCharacter,
				Description:     "older male river otter merchant, grey-flecked muzzle, canvas apron with pockets, friendly posture, A-pose",
				ArtStyle:        ArtStyleRealistic,
				TargetPolycount: 12000,
				AssetID:         "otter_npc_male",
				Species:         "otter",
				OutputPath:      "characters/otter",
				Rig:             true,
				Metadata:        map[string]any{"npc_type": "vendor"},
			}
		},
	},
	"otter_npc_female": {
		Name:    "otter_npc_female",
		Summary: "rigged quest-giver otter NPC",
		Build: func() GenerationSpec {
			return GenerationSpec{
				Intent:          IntentNPCCharacter,
				Description:     "young female river otter scout, woven reed scarf, small wooden spear, alert expression, A-pose",
				ArtStyle:        ArtStyleRealistic,
				TargetPolycount: 12000,
				AssetID:         "otter_npc_female",
				Species:         "otter",
				OutputPath:      "characters/otter",
				Rig:             true,
				Metadata:        map[string]any{"npc_type": "quest_giver"},
			}
		},
	},
	"fish_bass": {
		Name:    "fish_bass",
		Summary: "largemouth bass prey creature",
		Build: func() GenerationSpec {
			return GenerationSpec{
				Intent:          IntentCreaturePrey,
				Description:     "largemouth bass fish, olive green back with dark lateral stripe, pale belly, fins spread",
				ArtStyle:        ArtStyleRealistic,
				TargetPolycount: 5000,
				AssetID:         "fish_bass",
				Species:         "fish",
				OutputPath:      "creatures/fish",
			}
		},
	},
	"cattail_reeds": {
		Name:    "cattail_reeds",
		Summary: "riverbank cattail reed cluster",
		Build: func() GenerationSpec {
			return GenerationSpec{
				Intent:          IntentTerrainElement,
				Description:     "cluster of cattail reeds growing from shallow water, brown seed heads, long green blades",
				ArtStyle:        ArtStyleRealistic,
				TargetPolycount: 3000,
				AssetID:         "cattail_reeds",
				Species:         "flora",
				OutputPath:      "terrain/flora",
			}
		},
	},
	"wooden_dock": {
		Name:    "wooden_dock",
		Summary: "weathered interactable wooden dock",
		Build: func() GenerationSpec {
			return GenerationSpec{
				Intent:          IntentPropInteractable,
				Description:     "small weathered wooden fishing dock on posts, mossy planks, coiled rope, lantern on a pole",
				ArtStyle:        ArtStyleRealistic,
				TargetPolycount: 8000,
				AssetID:         "wooden_dock",
				Species:         "structures",
				OutputPath:      "props/structures",
				Refine:          true,
			}
		},
	},
}

// LookupPreset returns the preset with the given name.
func LookupPreset(name string) (Preset, error) {
	preset, ok := presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("unknown preset %q", name)
	}
	return preset, nil
}

// PresetNames lists every preset in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
