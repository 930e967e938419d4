// Package present turns analysis outcomes into what a user sees: the
// popup and dashboard view states, verdict styling and printable reports.
package present

import (
	"math"
	"net/url"
	"strings"
)

// VerdictStyle is the visual treatment of a verdict headline.
type VerdictStyle struct {
	Class string
	Icon  string
}

var (
	StyleFalse      = VerdictStyle{Class: "verdict-false", Icon: "✕"}
	StyleMisleading = VerdictStyle{Class: "verdict-misleading", Icon: "!"}
	StyleTrue       = VerdictStyle{Class: "verdict-true", Icon: "✓"}
	StyleNeutral    = VerdictStyle{Class: "verdict-neutral", Icon: "?"}
)

// StyleFor classifies a free-text verdict. Order matters: "incorrect"
// contains "correct" and must be checked first.
func StyleFor(verdict string) VerdictStyle {
	v := strings.ToLower(verdict)
	switch {
	case strings.Contains(v, "incorrect"), strings.Contains(v, "false"):
		return StyleFalse
	case strings.Contains(v, "misleading"), strings.Contains(v, "lacks context"):
		return StyleMisleading
	case strings.Contains(v, "correct"), strings.Contains(v, "true"):
		return StyleTrue
	default:
		return StyleNeutral
	}
}

// ConfidencePercent renders a [0,1] score as a rounded percentage.
func ConfidencePercent(score float64) int {
	if math.IsNaN(score) {
		return 0
	}
	return int(math.Round(score * 100))
}

// ScoreBand buckets a score for the compact popup badge.
func ScoreBand(score float64) string {
	switch {
	case score >= 0.7:
		return "high"
	case score >= 0.4:
		return "medium"
	default:
		return "low"
	}
}

// SourceHost is the label shown for a source link: its hostname without a
// "www." prefix. Unparseable links are shown as given.
func SourceHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Hostname() == "" {
		return raw
	}
	return strings.Replace(u.Hostname(), "www.", "", 1)
}
