package present

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hyperifyio/pagecheck/internal/analysis"
)

// Source is a cited link.
type Source struct {
	URL  string
	Host string
}

// ImageAuthenticity is the forensic sub-report.
type ImageAuthenticity struct {
	Verdict    string
	Confidence int
	Reasoning  string
}

// Report is the rendered form of a successful verdict.
type Report struct {
	Headline     string
	Style        VerdictStyle
	Confidence   int
	ScoreBand    string
	FindingTitle string
	Finding      string
	Explanation  string

	ImageAuthenticity *ImageAuthenticity
	LinguisticFlag    string
	ImageFlag         string
	Sources           []Source
}

type flagged struct {
	Flag string `json:"flag"`
}

type authenticity struct {
	Error           any     `json:"error"`
	Verdict         string  `json:"verdict"`
	Confidence      float64 `json:"confidence"`
	FullExplanation string  `json:"full_explanation"`
}

// NewReport derives a Report from a result. Sub-reports that are absent,
// null or malformed are left out.
func NewReport(r analysis.Result) Report {
	rep := Report{
		Headline:    r.Verdict,
		Style:       StyleFor(r.Verdict),
		Confidence:  ConfidencePercent(r.ConfidenceScore),
		ScoreBand:   ScoreBand(r.ConfidenceScore),
		Explanation: strings.TrimSpace(r.Explanation),
	}
	if rep.Headline == "" {
		rep.Headline = "Analysis Complete"
	}
	switch {
	case r.Correction != "":
		rep.FindingTitle = "The Facts Are:"
		rep.Finding = r.Correction
	case len(r.Enrichment) > 0:
		rep.FindingTitle = "Key Information:"
		rep.Finding = strings.Join(r.Enrichment, " ")
	}

	var ia authenticity
	if decodeObject(r.ImageAuthenticity, &ia) && !truthy(ia.Error) {
		rep.ImageAuthenticity = &ImageAuthenticity{
			Verdict:    ia.Verdict,
			Confidence: ConfidencePercent(ia.Confidence),
			Reasoning:  ia.FullExplanation,
		}
	}
	var f flagged
	if decodeObject(r.LinguisticAnalysis, &f) {
		rep.LinguisticFlag = f.Flag
	}
	f = flagged{}
	if decodeObject(r.ImageAnalysis, &f) {
		rep.ImageFlag = f.Flag
	}
	for _, s := range r.Sources {
		rep.Sources = append(rep.Sources, Source{URL: s, Host: SourceHost(s)})
	}
	return rep
}

func decodeObject(raw json.RawMessage, v any) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// truthy follows the loose check the service's clients use for an "error"
// member: absent, false, "" and 0 are all falsy.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	default:
		return true
	}
}

// Markdown renders the report as a Markdown document.
func (r Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s %s\n\n", r.Style.Icon, r.Headline)
	if r.Finding != "" {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", strings.TrimSuffix(r.FindingTitle, ":"), r.Finding)
	}
	b.WriteString("## Analysis Breakdown\n\n")
	if r.Explanation != "" {
		fmt.Fprintf(&b, "### Fact-Check\n\n%s\n\nConfidence: %d%%\n\n", r.Explanation, r.Confidence)
	}
	if ia := r.ImageAuthenticity; ia != nil {
		fmt.Fprintf(&b, "### Image Authenticity\n\nVerdict: %s\n\nConfidence: %d%%\n\n", ia.Verdict, ia.Confidence)
		if ia.Reasoning != "" {
			fmt.Fprintf(&b, "Forensic Reasoning: %s\n\n", ia.Reasoning)
		}
	}
	if r.LinguisticFlag != "" {
		fmt.Fprintf(&b, "### Linguistic Tone\n\n%s\n\n", r.LinguisticFlag)
	}
	if r.ImageFlag != "" {
		fmt.Fprintf(&b, "### Image-Text Coherence\n\n%s\n\n", r.ImageFlag)
	}
	if len(r.Sources) > 0 {
		b.WriteString("### Credible Sources\n\n")
		for _, s := range r.Sources {
			fmt.Fprintf(&b, "- [%s](%s)\n", s.Host, s.URL)
		}
		b.WriteString("\n")
	}
	return b.String()
}
