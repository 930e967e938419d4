package app

import (
	"strings"
)

// runInfo records where a verdict came from.
type runInfo struct {
	Mode       string // "page" or "dashboard"
	CycleID    string
	PageURL    string
	ServiceURL string
	Store      string
}

// appendRunFooter appends a deterministic footer so a saved verdict can be
// traced back to the page, cycle and service that produced it.
func appendRunFooter(markdown string, info runInfo) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(markdown, "\n"))
	b.WriteString("\n\n---\n")
	b.WriteString("Provenance: mode=")
	b.WriteString(info.Mode)
	if info.PageURL != "" {
		b.WriteString("; page=")
		b.WriteString(strings.TrimSpace(info.PageURL))
	}
	if info.CycleID != "" {
		b.WriteString("; cycle=")
		b.WriteString(info.CycleID)
	}
	b.WriteString("; service=")
	b.WriteString(strings.TrimSpace(info.ServiceURL))
	if info.Store != "" {
		b.WriteString("; store=")
		b.WriteString(info.Store)
	}
	b.WriteString("; version=")
	b.WriteString(BuildVersion)
	b.WriteString("\n")
	return b.String()
}
