package logging

import "strings"

// FormatSubject builds the asset/stage subject string used in console output.
func FormatSubject(assetID, stage string) string {
	assetID = strings.TrimSpace(assetID)
	stage = strings.TrimSpace(stage)
	switch {
	case assetID != "" && stage != "":
		return assetID + " (" + stage + ")"
	case assetID != "":
		return assetID
	default:
		return stage
	}
}
