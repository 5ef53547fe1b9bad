package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	accentColor = lipgloss.Color("99")
	dimColor    = lipgloss.Color("243")
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(accentColor)
	labelStyle  = lipgloss.NewStyle().Foreground(dimColor)
)

type kv struct{ key, value string }

func keyValue(key, value string) kv { return kv{key: key, value: value} }

// keyValues renders aligned "key:  value" lines, one per pair.
func keyValues(indent string, pairs ...kv) string {
	maxLen := 0
	for _, p := range pairs {
		if len(p.key) > maxLen {
			maxLen = len(p.key)
		}
	}

	var sb strings.Builder
	for _, p := range pairs {
		label := fmt.Sprintf("%-*s", maxLen+1, p.key+":")
		sb.WriteString(indent + labelStyle.Render(label) + " " + p.value + "\n")
	}
	return sb.String()
}
