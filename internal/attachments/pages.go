package attachments

import (
	"bytes"

	"github.com/ledongthuc/pdf"
)

// pageCount returns the number of pages of a PDF, or 0 when the document
// cannot be parsed. The parser panics on some malformed inputs.
func pageCount(data []byte) (n int) {
	defer func() {
		if recover() != nil {
			n = 0
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0
	}
	return r.NumPage()
}

// withPages fills in the page count of a downloaded or extracted PDF. Every
// path that builds final files goes through here.
func withPages(f File) File {
	if f.Kind == KindPDF && f.data != nil {
		f.Pages = pageCount(f.data)
	}
	return f
}
