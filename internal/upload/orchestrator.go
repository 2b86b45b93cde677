// Package upload tracks attachments from selection to a stored URL: local
// previews, sequential uploads with per-file progress and failure
// reporting without retries.
package upload

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/storechat/internal/api"
	"github.com/matheus3301/storechat/internal/bus"
	"github.com/matheus3301/storechat/internal/chaterr"
	"github.com/matheus3301/storechat/internal/model"
	"github.com/matheus3301/storechat/internal/observability"
	"github.com/matheus3301/storechat/internal/session"
)

// Status is the upload state of one attachment.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusUploading Status = "uploading"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// Attachment is one selected file and its upload state.
type Attachment struct {
	ID          string
	File        File
	Kind        model.MessageType
	ContentType string
	PreviewURL  string
	URL         string
	Status      Status
	Progress    int
	Err         error
}

// Progress is the payload of upload.* bus events.
type Progress struct {
	ID      string
	Name    string
	Status  Status
	Percent int
	URL     string
	Err     error
}

// Uploader stores one file and returns where it lives.
type Uploader interface {
	Upload(ctx context.Context, category string, cred session.Credential, f api.UploadFile, progress func(pct int)) (api.UploadedFile, error)
}

// Options configures an Orchestrator. Uploader and Credentials are required.
type Options struct {
	Uploader    Uploader
	Credentials session.CredentialProvider
	Previewer   Previewer
	Bus         *bus.Bus
	Logger      *zap.Logger
	Category    string
	MaxBytes    int64
}

// Orchestrator holds the attachments selected for the next message.
type Orchestrator struct {
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	items []*Attachment
}

// NewOrchestrator creates an empty orchestrator.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Category == "" {
		opts.Category = api.CategoryChat
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{opts: opts, log: log.Named("upload")}
}

// Select adds files as waiting attachments of the given kind and returns
// their ids. An empty kind is detected from the file content. Files above
// the configured size limit or without content are rejected and nothing is
// selected.
func (o *Orchestrator) Select(files []File, kind model.MessageType) ([]string, error) {
	for _, f := range files {
		if f.Open == nil {
			return nil, chaterr.New(chaterr.Validation, "select", fmt.Errorf("%s cannot be read", f.Name))
		}
		if o.opts.MaxBytes > 0 && f.Size > o.opts.MaxBytes {
			return nil, chaterr.New(chaterr.Validation, "select",
				fmt.Errorf("%s is %d bytes, limit is %d", f.Name, f.Size, o.opts.MaxBytes))
		}
	}

	// Every file is checked before any preview exists.
	added := make([]*Attachment, 0, len(files))
	for _, f := range files {
		a := &Attachment{ID: uuid.NewString(), File: f, Kind: kind, Status: StatusWaiting}
		ctype, detected := sniff(f)
		a.ContentType = ctype
		if a.Kind == "" {
			a.Kind = detected
		}
		if o.opts.Previewer != nil {
			preview, err := o.opts.Previewer.Create(a.ID, f)
			if err != nil {
				o.log.Warn("preview unavailable", zap.String("file", f.Name), zap.Error(err))
			} else {
				a.PreviewURL = preview
			}
		}
		added = append(added, a)
	}

	o.mu.Lock()
	o.items = append(o.items, added...)
	o.mu.Unlock()

	ids := make([]string, len(added))
	for i, a := range added {
		ids[i] = a.ID
	}
	return ids, nil
}

// Remove drops an attachment and revokes its preview. Unknown ids are ignored.
func (o *Orchestrator) Remove(id string) {
	o.mu.Lock()
	idx := slices.IndexFunc(o.items, func(a *Attachment) bool { return a.ID == id })
	if idx < 0 {
		o.mu.Unlock()
		return
	}
	a := o.items[idx]
	o.items = slices.Delete(o.items, idx, idx+1)
	preview := takePreview(a)
	o.mu.Unlock()

	o.revoke(preview)
}

// Clear removes every attachment, revoking outstanding previews.
func (o *Orchestrator) Clear() {
	o.mu.Lock()
	items := o.items
	o.items = nil
	var previews []string
	for _, a := range items {
		if p := takePreview(a); p != "" {
			previews = append(previews, p)
		}
	}
	o.mu.Unlock()

	for _, p := range previews {
		o.revoke(p)
	}
}

// Attachments returns a snapshot in selection order.
func (o *Orchestrator) Attachments() []Attachment {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Attachment, len(o.items))
	for i, a := range o.items {
		out[i] = *a
	}
	return out
}

// Pending reports whether any attachment still needs uploading.
func (o *Orchestrator) Pending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.ContainsFunc(o.items, func(a *Attachment) bool { return a.Status != StatusSuccess })
}

// UploadAll uploads every attachment not yet successful, one at a time, with
// a freshly fetched credential per file. A failed file is marked and
// skipped. The result lists every attachment holding a URL. If no
// credential can be obtained the run stops and an Auth error is returned
// together with what was uploaded so far.
func (o *Orchestrator) UploadAll(ctx context.Context) ([]Attachment, error) {
	o.mu.Lock()
	var todo []*Attachment
	for _, a := range o.items {
		if a.Status != StatusSuccess {
			todo = append(todo, a)
		}
	}
	o.mu.Unlock()

	for _, a := range todo {
		if err := ctx.Err(); err != nil {
			return o.uploaded(), err
		}
		if !o.begin(a) {
			continue
		}
		cred, err := o.opts.Credentials.Credential(ctx)
		if err != nil {
			err = chaterr.New(chaterr.Auth, "upload", err)
			o.fail(a, err)
			o.log.Warn("upload aborted, no credential", zap.Error(err))
			return o.uploaded(), err
		}
		o.uploadOne(ctx, a, cred)
	}
	return o.uploaded(), nil
}

func (o *Orchestrator) begin(a *Attachment) bool {
	o.mu.Lock()
	if !slices.Contains(o.items, a) {
		o.mu.Unlock()
		return false
	}
	a.Status = StatusUploading
	a.Progress = 0
	a.Err = nil
	o.mu.Unlock()
	o.publish(bus.UploadProgress, a)
	return true
}

func (o *Orchestrator) uploadOne(ctx context.Context, a *Attachment, cred session.Credential) {
	rc, err := a.File.Open()
	if err != nil {
		o.fail(a, chaterr.New(chaterr.Upload, "upload", fmt.Errorf("open %s: %w", a.File.Name, err)))
		return
	}
	defer rc.Close()

	res, err := o.opts.Uploader.Upload(ctx, o.opts.Category, cred, api.UploadFile{
		Name:        a.File.Name,
		ContentType: a.ContentType,
		Content:     rc,
	}, func(pct int) {
		o.mu.Lock()
		if pct <= a.Progress || a.Status != StatusUploading {
			o.mu.Unlock()
			return
		}
		a.Progress = pct
		o.mu.Unlock()
		o.publish(bus.UploadProgress, a)
	})
	if err != nil {
		o.fail(a, err)
		return
	}

	o.mu.Lock()
	a.URL = res.URL
	if k := canonicalKind(res.Type); k != "" {
		a.Kind = k
	}
	a.Status = StatusSuccess
	a.Progress = 100
	preview := takePreview(a)
	o.mu.Unlock()

	o.revoke(preview)
	observability.IncUpload("success")
	o.log.Info("attachment uploaded", zap.String("file", a.File.Name), zap.String("kind", string(a.Kind)))
	o.publish(bus.UploadSucceeded, a)
}

func (o *Orchestrator) fail(a *Attachment, err error) {
	o.mu.Lock()
	a.Status = StatusError
	a.Err = err
	o.mu.Unlock()
	observability.IncUpload("failed")
	o.log.Warn("attachment upload failed", zap.String("file", a.File.Name), zap.Error(err))
	o.publish(bus.UploadFailed, a)
}

func (o *Orchestrator) uploaded() []Attachment {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Attachment
	for _, a := range o.items {
		if a.URL != "" {
			out = append(out, *a)
		}
	}
	return out
}

func (o *Orchestrator) publish(kind string, a *Attachment) {
	if o.opts.Bus == nil {
		return
	}
	o.mu.Lock()
	p := Progress{ID: a.ID, Name: a.File.Name, Status: a.Status, Percent: a.Progress, URL: a.URL, Err: a.Err}
	o.mu.Unlock()
	o.opts.Bus.Publish(bus.NewEvent(kind, p))
}

func (o *Orchestrator) revoke(preview string) {
	if preview == "" || o.opts.Previewer == nil {
		return
	}
	if err := o.opts.Previewer.Revoke(preview); err != nil {
		o.log.Debug("revoke preview", zap.String("preview", preview), zap.Error(err))
	}
}

// takePreview hands out the preview URL at most once. o.mu must be held.
func takePreview(a *Attachment) string {
	p := a.PreviewURL
	a.PreviewURL = ""
	return p
}

func sniff(f File) (string, model.MessageType) {
	rc, err := f.Open()
	if err != nil {
		return "", model.TypeDocument
	}
	defer rc.Close()
	mt, err := mimetype.DetectReader(io.LimitReader(rc, 3072))
	if err != nil {
		return "", model.TypeDocument
	}
	return mt.String(), kindOf(mt.String())
}

func kindOf(contentType string) model.MessageType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return model.TypeImage
	case strings.HasPrefix(contentType, "video/"):
		return model.TypeVideo
	}
	return model.TypeDocument
}

func canonicalKind(t string) model.MessageType {
	switch model.MessageType(t) {
	case model.TypeImage, model.TypeVideo, model.TypeDocument:
		return model.MessageType(t)
	}
	if strings.Contains(t, "/") {
		return kindOf(t)
	}
	return ""
}
