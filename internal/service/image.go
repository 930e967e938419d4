package service

import (
	"github.com/h2non/filetype"
)

// sniffImage identifies an image by its magic bytes. Only the header is
// inspected, so truncated uploads still classify.
func sniffImage(b []byte) (mime string, ok bool) {
	head := b
	if len(head) > 261 {
		head = head[:261]
	}
	if !filetype.IsImage(head) {
		return "", false
	}
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return "", false
	}
	return kind.MIME.Value, true
}
