// Package ui renders engine output for the terminal.
package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/entrolution/causantic/internal/retrieve"
	"github.com/entrolution/causantic/internal/store"
)

var (
	scoreStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	sourceStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	idStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	previewStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

// RenderHits writes a ranked hit list.
func RenderHits(w io.Writer, hits []*retrieve.Hit) {
	if len(hits) == 0 {
		fmt.Fprintln(w, "no results")
		return
	}
	for i, h := range hits {
		fmt.Fprintf(w, "%2d. %s %s %s\n    %s\n",
			i+1,
			scoreStyle.Render(fmt.Sprintf("%.3f", h.Score)),
			sourceStyle.Render(fmt.Sprintf("[%s]", h.Source)),
			idStyle.Render(h.ChunkID[:12]),
			previewStyle.Render(h.Preview),
		)
	}
}

// RenderProjects writes the project list.
func RenderProjects(w io.Writer, projects []*store.ProjectInfo) {
	if len(projects) == 0 {
		fmt.Fprintln(w, "no projects")
		return
	}
	fmt.Fprintln(w, headerStyle.Render("project"))
	for _, p := range projects {
		fmt.Fprintf(w, "%-30s %6d chunks  %s .. %s\n",
			p.Slug, p.ChunkCount,
			p.FirstSeen.Format("2006-01-02"),
			p.LastSeen.Format("2006-01-02"))
	}
}

// RenderSessions writes the session list of one project.
func RenderSessions(w io.Writer, sessions []*store.SessionInfo) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions")
		return
	}
	for _, s := range sessions {
		fmt.Fprintf(w, "%-36s %5d chunks  %s\n",
			s.SessionID, s.ChunkCount,
			s.StartTime.Format("2006-01-02 15:04"))
	}
}

// RenderChunks writes reconstructed chunks chronologically.
func RenderChunks(w io.Writer, chunks []*store.Chunk) {
	for i, c := range chunks {
		if i > 0 {
			fmt.Fprintln(w, strings.Repeat("─", 60))
		}
		fmt.Fprintf(w, "%s  %s  turns %v\n%s\n",
			idStyle.Render(c.ID[:12]),
			c.StartTime.Format("2006-01-02 15:04"),
			c.TurnIndices,
			c.Content)
	}
}
