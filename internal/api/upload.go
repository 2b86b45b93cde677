package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/matheus3301/storechat/internal/chaterr"
	"github.com/matheus3301/storechat/internal/session"
)

// Upload categories accepted by POST /uploads/{category}.
const (
	CategoryChat    = "chat"
	CategoryStore   = "store"
	CategoryProduct = "product"
	CategoryReview  = "review"
)

// UploadFile is one file part of an upload request.
type UploadFile struct {
	Name        string
	ContentType string
	Content     io.Reader
}

// UploadedFile is the stored location of an uploaded file and the kind the
// backend classified it as.
type UploadedFile struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type uploadResponse struct {
	Success bool           `json:"success"`
	Files   []UploadedFile `json:"files"`
}

// Upload sends a single file under the multipart field "files" using cred.
// progress, if set, receives whole percentages of the request body sent.
func (c *Client) Upload(ctx context.Context, category string, cred session.Credential, f UploadFile, progress func(pct int)) (UploadedFile, error) {
	const op = "upload"

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := mw.CreatePart(h)
	if err != nil {
		return UploadedFile{}, chaterr.New(chaterr.Upload, op, err)
	}
	if _, err := io.Copy(part, f.Content); err != nil {
		return UploadedFile{}, chaterr.New(chaterr.Upload, op, fmt.Errorf("read %s: %w", f.Name, err))
	}
	if err := mw.Close(); err != nil {
		return UploadedFile{}, chaterr.New(chaterr.Upload, op, err)
	}

	var body io.Reader = &buf
	if progress != nil {
		body = &progressReader{r: &buf, total: int64(buf.Len()), fn: progress, last: -1}
	}

	var resp uploadResponse
	err = c.do(ctx, request{
		op:          op,
		kind:        chaterr.Upload,
		method:      http.MethodPost,
		path:        "/uploads/" + category,
		body:        body,
		contentType: mw.FormDataContentType(),
		cred:        &cred,
	}, &resp)
	if err != nil {
		return UploadedFile{}, err
	}
	if !resp.Success || len(resp.Files) == 0 || resp.Files[0].URL == "" {
		return UploadedFile{}, chaterr.New(chaterr.Upload, op, errors.New("response carries no file url"))
	}
	return resp.Files[0], nil
}

// progressReader reports how much of the body has been consumed by the
// transport. Percentages are reported once each, in increasing order.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	last  int
	fn    func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	pct := 100
	if p.total > 0 {
		pct = int(p.read * 100 / p.total)
	}
	if pct != p.last && (n > 0 || err == io.EOF) {
		p.last = pct
		p.fn(pct)
	}
	return n, err
}
