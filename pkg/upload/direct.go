package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// directUpload pushes the whole payload in one browser-style POST form
// against the bucket root, authorized by a signed policy document.
func (p *Pipeline) directUpload(ctx context.Context, grant *Grant, data []byte, contentType, filename string) error {
	policy, signature, err := postPolicy(grant, contentType, p.cfg.MaxImageBytes, p.now().Add(10*time.Minute))
	if err != nil {
		return stageErr("post form policy", err)
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := [][2]string{
		{"key", grant.FilePath},
		{"policy", policy},
		{"OSSAccessKeyId", grant.AccessKeyID},
		{"signature", signature},
		{"x-oss-security-token", grant.SecurityToken},
		{"Content-Type", contentType},
	}
	for _, f := range fields {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return stageErr("post form encode", err)
		}
	}
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return stageErr("post form encode", err)
	}
	if _, err := part.Write(data); err != nil {
		return stageErr("post form encode", err)
	}
	if err := form.Close(); err != nil {
		return stageErr("post form encode", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, grant.baseURL()+"/", &body)
	if err != nil {
		return stageErr("post form request", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := p.http.Do(req)
	if err != nil {
		return stageErr("post form upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return stageErr("post form upload", fmt.Errorf("status %d: %s", resp.StatusCode, string(b)))
	}
	return nil
}
