package extract

import (
	"strings"
	"testing"
)

func BenchmarkFromHTML(b *testing.B) {
	small := []byte("<html><head><title>t</title></head><body><main><p>a</p></main></body></html>")
	medium := makeHTML(50, 60)
	large := makeHTML(200, 200)

	b.Run("small", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = FromHTML(small)
		}
	})
	b.Run("medium", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = FromHTML(medium)
		}
	})
	b.Run("large", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = FromHTML(large)
		}
	})
}

// makeHTML nests paragraphs in sections so the snapshot walk has depth to cover.
func makeHTML(sections int, parasPerSection int) []byte {
	builder := new(strings.Builder)
	builder.WriteString(`<html><head><meta property="og:image" content="https://example.com/i.jpg"></head><body><main>`)
	for i := 0; i < sections; i++ {
		builder.WriteString("<section><h2>Heading</h2>")
		for j := 0; j < parasPerSection; j++ {
			builder.WriteString("<p>")
			builder.WriteString(sampleText)
			builder.WriteString("</p>")
		}
		builder.WriteString("</section>")
	}
	builder.WriteString("</main></body></html>")
	return []byte(builder.String())
}

const sampleText = "Lorem ipsum dolor sit amet, consectetur adipiscing elit. Sed do eiusmod tempor incididunt ut labore et dolore magna aliqua."
