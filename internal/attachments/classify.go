package attachments

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	KindZip = "zip"
	KindPDF = "pdf"
)

var signatures = []struct {
	kind  string
	magic []byte
}{
	{KindZip, []byte("PK\x03\x04")},
	{KindPDF, []byte("%PDF-")},
}

// Sniff returns the kind implied by the leading bytes of data, or "".
func Sniff(data []byte) string {
	for _, s := range signatures {
		if bytes.HasPrefix(data, s.magic) {
			return s.kind
		}
	}
	return ""
}

// KindOf classifies a file. The declared extension wins; content is only
// sniffed when the name has none.
func KindOf(name string, data []byte) string {
	if k := extKind(name); k != "" {
		return k
	}
	return Sniff(data)
}

func extKind(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}

// validContent rejects data whose signature contradicts a kind we know the
// signature of.
func validContent(kind string, data []byte) bool {
	for _, s := range signatures {
		if s.kind == kind {
			return bytes.HasPrefix(data, s.magic)
		}
	}
	return true
}

// fileName picks the display name for a file, inventing one from the id and
// sniffed kind when the portal gave none.
func fileName(id int, name, kind string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("file-%d", id)
	}
	if extKind(name) == "" && kind != "" {
		name += "." + kind
	}
	return name
}

// nameKey is the identity used for duplicate detection: NFC-normalized and
// case-folded, so "Акт.PDF" and "акт.pdf" collide.
func nameKey(name string) string {
	return strings.ToLower(norm.NFC.String(name))
}
