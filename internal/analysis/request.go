package analysis

import (
	"errors"
	"fmt"
	"strings"
)

// SourceContext tells the service how an image was obtained, which shifts how
// it weighs forensic signals such as recompression.
type SourceContext string

const (
	SourceDownloaded SourceContext = "downloaded"
	SourceMessaging  SourceContext = "messaging"
	SourceCamera     SourceContext = "camera"
	SourceUnknown    SourceContext = "unknown"
)

// DefaultSourceContext applies when the caller gives none.
const DefaultSourceContext = SourceDownloaded

// ParseSourceContext accepts the four known tags (case-insensitive); blank
// input yields the default.
func ParseSourceContext(s string) (SourceContext, error) {
	switch SourceContext(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultSourceContext, nil
	case SourceDownloaded:
		return SourceDownloaded, nil
	case SourceMessaging:
		return SourceMessaging, nil
	case SourceCamera:
		return SourceCamera, nil
	case SourceUnknown:
		return SourceUnknown, nil
	}
	return "", fmt.Errorf("unknown image source context %q", s)
}

// ImageFile is an uploaded image.
type ImageFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// Request is what gets sent to the Analysis Service.
type Request struct {
	Text          string
	ImageURL      string
	ImageFile     *ImageFile
	SourceContext SourceContext
}

// ErrNothingToAnalyze is returned by Build when text, image URL and image
// file are all missing or blank.
var ErrNothingToAnalyze = errors.New("please provide text, an image URL, or upload an image to analyze")

// Build validates the dashboard inputs and assembles a Request. It never
// touches the network.
func Build(text, imageURL string, imageFile *ImageFile, sourceContext string) (Request, error) {
	hasFile := imageFile != nil && len(imageFile.Data) > 0
	if strings.TrimSpace(text) == "" && strings.TrimSpace(imageURL) == "" && !hasFile {
		return Request{}, ErrNothingToAnalyze
	}
	sc, err := ParseSourceContext(sourceContext)
	if err != nil {
		return Request{}, err
	}
	req := Request{
		Text:          text,
		ImageURL:      strings.TrimSpace(imageURL),
		SourceContext: sc,
	}
	if hasFile {
		req.ImageFile = imageFile
	}
	return req, nil
}
