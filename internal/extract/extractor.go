package extract

// Extractor turns a page document into the content sent for analysis.
// Implementations must be deterministic and never fail; missing content is
// reported as empty fields.
type Extractor interface {
	Extract(input []byte) Content
}

// HeuristicExtractor applies the paragraph-density heuristic of FromHTML.
type HeuristicExtractor struct{}

func (HeuristicExtractor) Extract(input []byte) Content {
	return FromHTML(input)
}
