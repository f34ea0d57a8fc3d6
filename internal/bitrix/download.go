package bitrix

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Downloader fetches the content of a file referenced by an item field.
type Downloader interface {
	Download(ctx context.Context, ref FileRef) (*Download, error)
}

// Download is a fetched file. Name is empty when neither the field nor the
// response headers carried one.
type Download struct {
	Name        string
	ContentType string
	Data        []byte
}

// Download fetches ref.URL. The name comes from the Content-Disposition
// header, falling back to the name recorded in the field.
func (c *Client) Download(ctx context.Context, ref FileRef) (*Download, error) {
	if ref.URL == "" {
		return nil, fmt.Errorf("file %d has no download url", ref.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(ref.URL), nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading file %d: %w", ref.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &RemoteError{Code: "DOWNLOAD_FAILED", Description: fmt.Sprintf("file %d", ref.ID), Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading file %d: %w", ref.ID, err)
	}
	if int64(len(data)) > c.maxDownloadBytes {
		return nil, fmt.Errorf("file %d exceeds %d bytes", ref.ID, c.maxDownloadBytes)
	}

	name := DispositionFilename(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = ref.Name
	}
	return &Download{Name: name, ContentType: resp.Header.Get("Content-Type"), Data: data}, nil
}

// DispositionFilename extracts a file name from a Content-Disposition
// header. The RFC 5987 filename* form wins over the plain one.
func DispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err == nil {
		// mime decodes filename* into "filename" already.
		if name := params["filename"]; name != "" {
			return path.Base(strings.ReplaceAll(name, "\\", "/"))
		}
		return ""
	}

	// Portals sometimes send unquoted names with spaces, which mime rejects.
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "filename*="); ok {
			if _, enc, ok := strings.Cut(v, "''"); ok {
				if dec, err := url.PathUnescape(enc); err == nil {
					return path.Base(dec)
				}
			}
		}
	}
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "filename="); ok {
			return path.Base(strings.Trim(v, `"`))
		}
	}
	return ""
}
