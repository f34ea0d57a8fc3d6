package attachments

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// extractor pulls matching entries out of zip archives, sharing one entry
// budget across every archive of an item.
type extractor struct {
	kinds         map[string]bool
	maxEntries    int
	maxEntryBytes int64
	taken         int
}

func newExtractor(kinds []string, maxEntries int, maxEntryBytes int64) *extractor {
	e := &extractor{kinds: map[string]bool{}, maxEntries: maxEntries, maxEntryBytes: maxEntryBytes}
	for _, k := range kinds {
		e.kinds[strings.ToLower(k)] = true
	}
	return e
}

// extract returns the archive's entries of the wanted kinds. Entries that
// are too large, of another kind, or whose content contradicts their
// extension are dropped without error.
func (e *extractor) extract(archive File) ([]File, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive.data), int64(len(archive.data)))
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", archive.Name, err)
	}

	var out []File
	for _, zf := range zr.File {
		if e.maxEntries > 0 && e.taken >= e.maxEntries {
			break
		}
		if zf.FileInfo().IsDir() || strings.HasSuffix(zf.Name, "/") {
			continue
		}

		name := entryName(zf)
		if strings.Contains(name, "__MACOSX/") {
			continue
		}
		base := path.Base(name)
		if base == "" || base == "." || strings.HasPrefix(base, ".") {
			continue
		}

		kind := extKind(base)
		if !e.kinds[kind] {
			continue
		}
		if e.maxEntryBytes > 0 && zf.UncompressedSize64 > uint64(e.maxEntryBytes) {
			continue
		}

		data, err := e.read(zf)
		if err != nil {
			// A damaged entry is dropped like an oversized one.
			continue
		}
		if !validContent(kind, data) {
			continue
		}

		e.taken++
		out = append(out, withPages(File{Name: base, Kind: kind, Size: len(data), Source: archive.ID, data: data}))
	}
	return out, nil
}

func (e *extractor) read(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	limit := e.maxEntryBytes
	if limit <= 0 {
		limit = 1 << 30
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	// The header size can lie.
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("entry %s exceeds %d bytes", zf.Name, limit)
	}
	return data, nil
}

// entryName decodes legacy archive names. Archivers on Russian Windows write
// CP866 without setting the UTF-8 flag.
func entryName(zf *zip.File) string {
	name := strings.ReplaceAll(zf.Name, "\\", "/")
	if !zf.NonUTF8 || utf8.ValidString(name) {
		return name
	}
	decoded, err := charmap.CodePage866.NewDecoder().String(name)
	if err != nil {
		return name
	}
	return decoded
}
