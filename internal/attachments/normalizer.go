// Package attachments keeps an item's file field in canonical form: archives
// are unpacked into their documents and duplicate names are collapsed.
package attachments

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/makshsn/mpk-b24-api-sub000/internal/bitrix"
)

// Action codes reported in Result.Action.
const (
	ActionRequiredFieldEmpty = "required_field_empty"
	ActionDownloadFailed     = "download_failed"
	ActionSkippedNoChanges   = "skipped_no_changes"
	ActionDeduplicated       = "deduplicated"
	ActionReplaced           = "replaced"
	ActionReplacementEmpty   = "replacement_empty"
	ActionUploadFailed       = "upload_failed"
)

// File is one entry of the final file set.
type File struct {
	ID     int    `json:"id,omitempty"`
	Name   string `json:"name"`
	Kind   string `json:"kind,omitempty"`
	Size   int    `json:"size,omitempty"`
	Pages  int    `json:"pages,omitempty"`
	Failed bool   `json:"download_failed,omitempty"`
	// Source is the archive id an extracted file came from.
	Source int `json:"source,omitempty"`

	data []byte
}

// Result reports what the normalizer did to the file field.
type Result struct {
	Action         string   `json:"action"`
	Changed        bool     `json:"changed"`
	BeforeIDs      []int    `json:"before_ids"`
	AfterIDs       []int    `json:"after_ids"`
	ExtractedCount int      `json:"extracted_count"`
	FinalFileNames []string `json:"final_file_names"`
	FinalFiles     []File   `json:"final_files"`
	Errors         []string `json:"errors,omitempty"`
}

// Failed reports whether the step ended in an error state.
func (r Result) Failed() bool {
	switch r.Action {
	case ActionRequiredFieldEmpty, ActionDownloadFailed, ActionReplacementEmpty, ActionUploadFailed:
		return true
	}
	return false
}

// Options configures a Normalizer for one entity type.
type Options struct {
	FilesField    string
	Stamp         bitrix.SyncStamp
	ExtractKinds  []string
	MaxEntries    int
	MaxEntryBytes int64
	ChunkSize     int
	Workers       int
}

// Request identifies the item to normalize. Item is the state the caller
// already fetched. Notify posts a timeline comment when the field is empty.
type Request struct {
	EntityTypeID int
	ItemID       int
	Item         bitrix.Item
	Notify       bool
}

type Normalizer struct {
	crm    *bitrix.CRM
	dl     bitrix.Downloader
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(crm *bitrix.CRM, dl bitrix.Downloader, opts Options) *Normalizer {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if len(opts.ExtractKinds) == 0 {
		opts.ExtractKinds = []string{KindPDF}
	}
	return &Normalizer{crm: crm, dl: dl, opts: opts, logger: slog.Default(), now: time.Now}
}

// SetClock replaces the time source used for sync stamps.
func (n *Normalizer) SetClock(now func() time.Time) {
	n.now = now
}

// Normalize brings the item's file field into canonical form.
func (n *Normalizer) Normalize(ctx context.Context, req Request) Result {
	refs := req.Item.Files(n.opts.FilesField)
	res := Result{BeforeIDs: refIDs(refs)}

	if len(refs) == 0 {
		res.Action = ActionRequiredFieldEmpty
		res.AfterIDs = []int{}
		if req.Notify {
			n.comment(ctx, req, &res, "The document field is empty. Attach the documents to continue processing.")
		}
		return res
	}

	files, errs := n.download(ctx, refs)
	res.Errors = append(res.Errors, errs...)
	if len(errs) == len(refs) {
		res.Action = ActionDownloadFailed
		res.AfterIDs = res.BeforeIDs
		res.setFinal(files)
		return res
	}

	var kept, archives []File
	for _, f := range files {
		if f.Kind == KindZip && !f.Failed {
			archives = append(archives, f)
			continue
		}
		kept = append(kept, f)
	}

	ex := newExtractor(n.opts.ExtractKinds, n.opts.MaxEntries, n.opts.MaxEntryBytes)
	var extracted []File
	var archiveIDs []int
	for _, a := range archives {
		out, err := ex.extract(a)
		if err != nil {
			// An unreadable archive stays as an ordinary file.
			res.Errors = append(res.Errors, err.Error())
			kept = append(kept, a)
			continue
		}
		archiveIDs = append(archiveIDs, a.ID)
		extracted = append(extracted, out...)
	}

	if len(archiveIDs) == 0 {
		return n.deduplicate(ctx, req, files, res)
	}

	kept, added := dedupe(orderLike(files, kept), extracted)
	res.ExtractedCount = len(added)
	if len(kept)+len(added) == 0 {
		res.Action = ActionReplacementEmpty
		res.AfterIDs = res.BeforeIDs
		res.setFinal(files)
		n.comment(ctx, req, &res, fmt.Sprintf(
			"The archive contains no %s documents. The document field was left unchanged.",
			strings.Join(n.opts.ExtractKinds, ", ")))
		return res
	}

	return n.upload(ctx, req, kept, added, archiveIDs, res)
}

func (n *Normalizer) download(ctx context.Context, refs []bitrix.FileRef) ([]File, []string) {
	files := make([]File, len(refs))
	failures := make([]error, len(refs))

	var g errgroup.Group
	g.SetLimit(n.opts.Workers)
	for i, ref := range refs {
		g.Go(func() error {
			dl, err := n.dl.Download(ctx, ref)
			if err != nil {
				failures[i] = err
				files[i] = File{ID: ref.ID, Name: fileName(ref.ID, ref.Name, extKind(ref.Name)), Kind: extKind(ref.Name), Failed: true}
				return nil
			}
			name := dl.Name
			if name == "" {
				name = ref.Name
			}
			kind := KindOf(name, dl.Data)
			files[i] = withPages(File{ID: ref.ID, Name: fileName(ref.ID, name, kind), Kind: kind, Size: len(dl.Data), data: dl.Data})
			return nil
		})
	}
	g.Wait()

	var errs []string
	for i, err := range failures {
		if err != nil {
			n.logger.Warn("attachment download failed", "file_id", refs[i].ID, "error", err)
			errs = append(errs, fmt.Sprintf("file %d: %v", refs[i].ID, err))
		}
	}
	return files, errs
}

// deduplicate handles a file set without archives. The field is only
// rewritten when two files share a name.
func (n *Normalizer) deduplicate(ctx context.Context, req Request, files []File, res Result) Result {
	kept, _ := dedupe(files, nil)
	if len(kept) == len(files) {
		res.Action = ActionSkippedNoChanges
		res.AfterIDs = res.BeforeIDs
		res.setFinal(files)
		return res
	}

	payload := make([]any, len(kept))
	for i, f := range kept {
		payload[i] = map[string]any{"id": f.ID}
	}
	fields := n.opts.Stamp.Apply(map[string]any{n.opts.FilesField: payload}, n.now())
	if err := n.crm.UpdateItem(ctx, req.EntityTypeID, req.ItemID, fields); err != nil {
		res.Action = ActionUploadFailed
		res.Errors = append(res.Errors, err.Error())
		res.AfterIDs = res.BeforeIDs
		res.setFinal(files)
		return res
	}

	res.Action = ActionDeduplicated
	res.Changed = true
	res.AfterIDs = make([]int, len(kept))
	for i, f := range kept {
		res.AfterIDs[i] = f.ID
	}
	res.setFinal(kept)
	return res
}

// upload replaces the field with kept + added, chunk by chunk. Until the
// last chunk the archives stay in the field, so every intermediate state
// still holds the source documents. After each chunk the item is re-read
// and whatever it reports is what the next chunk builds on.
func (n *Normalizer) upload(ctx context.Context, req Request, kept, added []File, archiveIDs []int, res Result) Result {
	chunkSize := n.opts.ChunkSize
	if chunkSize <= 0 || chunkSize > len(added) {
		chunkSize = len(added)
	}
	var chunks [][]File
	for start := 0; start < len(added); start += chunkSize {
		chunks = append(chunks, added[start:min(start+chunkSize, len(added))])
	}
	if len(chunks) == 0 {
		chunks = [][]File{nil}
	}

	confirmed := make([]int, 0, len(kept)+len(added))
	for _, f := range kept {
		confirmed = append(confirmed, f.ID)
	}
	archives := make(map[int]bool, len(archiveIDs))
	for _, id := range archiveIDs {
		archives[id] = true
	}

	final := append([]File(nil), kept...)
	for i, chunk := range chunks {
		last := i == len(chunks)-1

		payload := make([]any, 0, len(confirmed)+len(archiveIDs)+len(chunk))
		for _, id := range confirmed {
			payload = append(payload, map[string]any{"id": id})
		}
		if !last {
			for _, id := range archiveIDs {
				payload = append(payload, map[string]any{"id": id})
			}
		}
		for _, f := range chunk {
			payload = append(payload, []any{f.Name, base64.StdEncoding.EncodeToString(f.data)})
		}

		fields := n.opts.Stamp.Apply(map[string]any{n.opts.FilesField: payload}, n.now())
		if err := n.crm.UpdateItem(ctx, req.EntityTypeID, req.ItemID, fields); err != nil {
			return n.uploadFailed(res, final, confirmed, archiveIDs, i, err)
		}

		item, err := n.crm.GetItem(ctx, req.EntityTypeID, req.ItemID)
		if err != nil {
			return n.uploadFailed(res, final, confirmed, archiveIDs, i, fmt.Errorf("re-reading item: %w", err))
		}

		known := make(map[int]bool, len(confirmed))
		for _, id := range confirmed {
			known[id] = true
		}
		var fresh []int
		next := confirmed[:0:0]
		for _, id := range item.FileIDs(n.opts.FilesField) {
			if archives[id] {
				continue
			}
			next = append(next, id)
			if !known[id] {
				fresh = append(fresh, id)
			}
		}
		confirmed = next

		// New ids are appended in upload order.
		for j, f := range chunk {
			if j < len(fresh) {
				f.ID = fresh[j]
			}
			final = append(final, f)
		}
	}

	res.Action = ActionReplaced
	res.Changed = true
	res.AfterIDs = confirmed
	res.setFinal(final)
	n.logger.Info("attachments replaced",
		"entity_type_id", req.EntityTypeID, "item_id", req.ItemID,
		"archives", len(archiveIDs), "extracted", res.ExtractedCount, "chunks", len(chunks))
	return res
}

func (n *Normalizer) uploadFailed(res Result, final []File, confirmed, archiveIDs []int, chunk int, err error) Result {
	res.Action = ActionUploadFailed
	res.Changed = chunk > 0
	res.Errors = append(res.Errors, fmt.Sprintf("chunk %d: %v", chunk+1, err))
	res.AfterIDs = append(append([]int(nil), confirmed...), archiveIDs...)
	res.setFinal(final)
	return res
}

func (n *Normalizer) comment(ctx context.Context, req Request, res *Result, text string) {
	if err := n.crm.AddTimelineComment(ctx, req.EntityTypeID, req.ItemID, text); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
}

func (r *Result) setFinal(files []File) {
	r.FinalFiles = files
	r.FinalFileNames = make([]string, len(files))
	for i, f := range files {
		r.FinalFileNames[i] = f.Name
	}
}

// dedupe keeps the first file of every name. Existing files win over added
// ones, so a retried upload does not add the same document twice. Files
// whose download failed have no trustworthy name and are always kept.
func dedupe(existing, added []File) ([]File, []File) {
	seen := make(map[string]bool, len(existing)+len(added))
	var keptOut, addedOut []File
	for _, f := range existing {
		if !f.Failed {
			key := nameKey(f.Name)
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		keptOut = append(keptOut, f)
	}
	for _, f := range added {
		key := nameKey(f.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		addedOut = append(addedOut, f)
	}
	return keptOut, addedOut
}

// orderLike returns subset in the order its files appear in all.
func orderLike(all, subset []File) []File {
	in := make(map[int]bool, len(subset))
	for _, f := range subset {
		in[f.ID] = true
	}
	out := make([]File, 0, len(subset))
	for _, f := range all {
		if in[f.ID] {
			out = append(out, f)
		}
	}
	return out
}

func refIDs(refs []bitrix.FileRef) []int {
	ids := make([]int, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	return ids
}
