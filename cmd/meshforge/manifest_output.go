package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"meshforge/internal/manifest"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func renderManifestTable(items []*manifest.AssetManifest) string {
	rows := make([][]string, 0, len(items))
	for _, m := range items {
		if m == nil {
			continue
		}
		rows = append(rows, []string{
			m.Species,
			m.AssetID,
			string(m.Status()),
			strconv.Itoa(len(m.TaskGraph)),
			strconv.Itoa(len(m.Artifacts)),
			formatTime(m.UpdatedAt),
		})
	}
	return renderTable(
		[]string{"Species", "Asset", "Status", "Tasks", "Artifacts", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func renderIndexTable(entries []manifest.IndexEntry) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Species,
			e.AssetID,
			e.Intent,
			string(e.Status),
			strconv.Itoa(e.TaskCount),
			strconv.Itoa(e.ArtifactCount),
			formatTime(e.UpdatedAt),
		})
	}
	return renderTable(
		[]string{"Species", "Asset", "Intent", "Status", "Tasks", "Artifacts", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

// printManifestSummary renders the headline, task graph and artifacts of one
// manifest.
func printManifestSummary(out io.Writer, m *manifest.AssetManifest, colorize bool) error {
	var b strings.Builder
	for _, line := range renderSectionHeader(fmt.Sprintf("%s/%s", m.Species, m.AssetID), colorize) {
		b.WriteString(line + "\n")
	}
	b.WriteString(renderStatusLine("Status", kindForStatus(m.Status()), string(m.Status()), colorize) + "\n")
	b.WriteString(renderStatusLine("Intent", statusInfo, m.AssetIntent, colorize) + "\n")
	if prompt := m.Prompts["text3d"]; prompt != "" {
		b.WriteString(renderStatusLine("Prompt", statusInfo, prompt, colorize) + "\n")
	}
	if step := m.ResumeTokens["last_completed_step"]; step != "" {
		b.WriteString(renderStatusLine("Last completed step", statusInfo, step, colorize) + "\n")
	}

	if len(m.TaskGraph) > 0 {
		rows := make([][]string, 0, len(m.TaskGraph))
		for _, e := range m.TaskGraph {
			rows = append(rows, []string{e.StepName(), e.TaskID, string(e.Status), formatTime(e.UpdatedAt), e.Error})
		}
		b.WriteString("\n" + renderTable([]string{"Step", "Task", "Status", "Updated", "Error"}, rows, nil) + "\n")
	}
	if len(m.Artifacts) > 0 {
		rows := make([][]string, 0, len(m.Artifacts))
		for _, a := range m.Artifacts {
			hash := a.SHA256Hash
			if len(hash) > 12 {
				hash = hash[:12]
			}
			rows = append(rows, []string{a.RelativePath, formatBytes(a.FileSizeBytes), hash, a.MirrorURI})
		}
		b.WriteString("\n" + renderTable(
			[]string{"Artifact", "Size", "SHA-256", "Mirror"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft},
		) + "\n")
	}
	_, err := io.WriteString(out, b.String())
	return err
}
