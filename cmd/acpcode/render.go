package main

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// isTerminal reports whether writer is an interactive terminal.
func isTerminal(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}

// terminalWidth returns the width of writer, or fallback when unknown.
func terminalWidth(writer io.Writer, fallback int) int {
	file, ok := writer.(*os.File)
	if !ok {
		return fallback
	}
	width, _, err := term.GetSize(int(file.Fd()))
	if err != nil || width <= 0 {
		return fallback
	}
	return width
}

// markdownRenderer formats assistant text for the terminal. A nil renderer
// returns text unchanged.
type markdownRenderer struct {
	renderer *glamour.TermRenderer
}

// newMarkdownRenderer builds a glamour renderer wrapped at width. Renderer
// construction failures fall back to plain text.
func newMarkdownRenderer(width int) *markdownRenderer {
	options := []glamour.TermRendererOption{glamour.WithAutoStyle()}
	if width > 0 {
		options = append(options, glamour.WithWordWrap(width))
	}
	renderer, err := glamour.NewTermRenderer(options...)
	if err != nil {
		return &markdownRenderer{}
	}
	return &markdownRenderer{renderer: renderer}
}

// Render returns content as styled terminal output.
func (m *markdownRenderer) Render(content string) string {
	if m == nil || m.renderer == nil || strings.TrimSpace(content) == "" {
		return content
	}
	rendered, err := m.renderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}
