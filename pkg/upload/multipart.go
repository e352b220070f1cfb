package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

type chunkRange struct {
	start int64
	end   int64
}

func chunkRanges(total, size int64) []chunkRange {
	var ranges []chunkRange
	for off := int64(0); off < total; off += size {
		end := off + size
		if end > total {
			end = total
		}
		ranges = append(ranges, chunkRange{start: off, end: end})
	}
	return ranges
}

func (p *Pipeline) ossHeaders(grant *Grant, contentType, dateStr string) map[string]string {
	return map[string]string{
		"Content-Type":         contentType,
		"x-oss-content-sha256": unsignedPayload,
		"x-oss-date":           dateStr,
		"x-oss-security-token": grant.SecurityToken,
		"x-oss-user-agent":     ossUserAgent,
	}
}

func (p *Pipeline) doSigned(ctx context.Context, signer v4Signer, method, rawURL string, headers map[string]string, body []byte) (*http.Response, error) {
	auth, err := signer.authorization(method, rawURL, headers, headers["x-oss-date"])
	if err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", auth)
	return p.http.Do(req)
}

// chunkedUpload runs the multipart protocol: initiate, upload each
// range with bounded parallelism and per-chunk retries, then finalize
// with the collected part ETags.
func (p *Pipeline) chunkedUpload(ctx context.Context, grant *Grant, data []byte, contentType string) error {
	signer := v4Signer{
		accessKeyID:     grant.AccessKeyID,
		accessKeySecret: grant.AccessKeySecret,
		region:          p.cfg.Region,
	}
	objectURL := grant.objectURL()
	dateStr := p.now().UTC().Format(signDateLayout)

	uploadID, err := p.initiateMultipart(ctx, signer, grant, objectURL, contentType, dateStr)
	if err != nil {
		return err
	}

	ranges := chunkRanges(int64(len(data)), p.cfg.ChunkSizeBytes)
	etags := make([]string, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ChunkParallelism)
	for i, r := range ranges {
		g.Go(func() error {
			etag, err := p.uploadPart(gctx, signer, grant, objectURL, uploadID, i+1, data[r.start:r.end], contentType, dateStr)
			if err != nil {
				return err
			}
			etags[i] = etag
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return p.completeMultipart(ctx, signer, grant, objectURL, uploadID, etags, dateStr)
}

func (p *Pipeline) initiateMultipart(ctx context.Context, signer v4Signer, grant *Grant, objectURL, contentType, dateStr string) (string, error) {
	headers := p.ossHeaders(grant, contentType, dateStr)
	resp, err := p.doSigned(ctx, signer, http.MethodPost, objectURL+"?uploads=", headers, nil)
	if err != nil {
		return "", stageErr("initiate multipart", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", stageErr("initiate multipart", fmt.Errorf("status %d: %s", resp.StatusCode, string(b)))
	}
	var result struct {
		UploadID string `xml:"UploadId"`
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", stageErr("initiate multipart", err)
	}
	if err := xml.Unmarshal(b, &result); err != nil {
		return "", stageErr("initiate multipart", err)
	}
	if result.UploadID == "" {
		return "", stageErr("initiate multipart", fmt.Errorf("no UploadId in response"))
	}
	return result.UploadID, nil
}

// uploadPart retries transient failures up to the configured budget
// with linear backoff; 4xx responses fail immediately.
func (p *Pipeline) uploadPart(ctx context.Context, signer v4Signer, grant *Grant, objectURL, uploadID string, partNumber int, chunk []byte, contentType, dateStr string) (string, error) {
	partURL := objectURL + "?partNumber=" + strconv.Itoa(partNumber) + "&uploadId=" + uploadID
	stage := fmt.Sprintf("upload part %d", partNumber)
	var lastErr error
	for attempt := 1; attempt <= p.cfg.ChunkRetries; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, time.Duration(attempt-1)*500*time.Millisecond); err != nil {
				return "", stageErr(stage, err)
			}
		}
		headers := p.ossHeaders(grant, contentType, dateStr)
		resp, err := p.doSigned(ctx, signer, http.MethodPut, partURL, headers, chunk)
		if err != nil {
			lastErr = err
			continue
		}
		etag := resp.Header.Get("ETag")
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			return trimETag(etag), nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
		default:
			return "", stageErr(stage, fmt.Errorf("status %d", resp.StatusCode))
		}
	}
	return "", stageErr(stage, fmt.Errorf("retries exhausted: %w", lastErr))
}

func trimETag(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}

// completeMultipart finalizes the upload. The call is idempotent, so
// transient failures get the same bounded retry/backoff as parts.
func (p *Pipeline) completeMultipart(ctx context.Context, signer v4Signer, grant *Grant, objectURL, uploadID string, etags []string, dateStr string) error {
	var body bytes.Buffer
	body.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<CompleteMultipartUpload>\n")
	for i, etag := range etags {
		fmt.Fprintf(&body, "<Part>\n<PartNumber>%d</PartNumber>\n<ETag>%q</ETag>\n</Part>\n", i+1, etag)
	}
	body.WriteString("</CompleteMultipartUpload>")
	sum := md5.Sum(body.Bytes())

	var lastErr error
	for attempt := 1; attempt <= p.cfg.ChunkRetries; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, time.Duration(attempt-1)*500*time.Millisecond); err != nil {
				return stageErr("complete multipart", err)
			}
		}
		headers := p.ossHeaders(grant, "application/xml", dateStr)
		headers["Content-MD5"] = base64.StdEncoding.EncodeToString(sum[:])
		resp, err := p.doSigned(ctx, signer, http.MethodPost, objectURL+"?uploadId="+uploadID, headers, body.Bytes())
		if err != nil {
			lastErr = err
			continue
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
		default:
			return stageErr("complete multipart", fmt.Errorf("status %d: %s", resp.StatusCode, string(b)))
		}
	}
	return stageErr("complete multipart", fmt.Errorf("retries exhausted: %w", lastErr))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
