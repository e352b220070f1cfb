package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type fakeCreds struct {
	grant *Grant
	err   error

	mu       sync.Mutex
	calls    int
	lastType string
}

func (f *fakeCreds) UploadGrant(_ context.Context, filename string, size int64, filetype string) (*Grant, error) {
	f.mu.Lock()
	f.calls++
	f.lastType = filetype
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	g := *f.grant
	return &g, nil
}

// fakeOSS emulates the object-storage endpoints the pipeline hits: the
// POST-form root, multipart initiate, part PUTs and completion.
type fakeOSS struct {
	mu            sync.Mutex
	directPosts   int
	initiates     int
	parts         map[int]int // part number -> attempts
	completes     int
	failInitiate     bool
	failPartOnce     map[int]bool
	failPartsHard    bool
	failCompleteOnce bool
}

func newFakeOSS() *fakeOSS {
	return &fakeOSS{parts: map[int]int{}, failPartOnce: map[int]bool{}}
}

func (f *fakeOSS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := r.URL.Query()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/":
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.directPosts++
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPost && q.Has("uploads"):
		f.initiates++
		if f.failInitiate {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<?xml version="1.0"?><InitiateMultipartUploadResult><UploadId>upload-123</UploadId></InitiateMultipartUploadResult>`)
	case r.Method == http.MethodPut && q.Get("partNumber") != "":
		var n int
		fmt.Sscanf(q.Get("partNumber"), "%d", &n)
		f.parts[n]++
		if f.failPartsHard || (f.failPartOnce[n] && f.parts[n] == 1) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("ETag", fmt.Sprintf("%q", fmt.Sprintf("etag-%d", n)))
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && q.Get("uploadId") != "":
		f.completes++
		if f.failCompleteOnce && f.completes == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testPipeline(t *testing.T, oss *fakeOSS, cfg Config) (*Pipeline, *fakeCreds, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(oss)
	t.Cleanup(srv.Close)
	creds := &fakeCreds{grant: &Grant{
		AccessKeyID:     "AKID",
		AccessKeySecret: "secret",
		SecurityToken:   "tok",
		Bucket:          "bkt",
		Endpoint:        srv.URL,
		FilePath:        "uid/fid_file.bin",
		FileID:          "fid",
	}}
	return NewPipeline(creds, cfg, nil), creds, srv
}

func TestSelectStrategy(t *testing.T) {
	p := NewPipeline(nil, Config{DirectThresholdBytes: 5 * 1024 * 1024}, nil)
	cases := []struct {
		cat  Category
		size int64
		want Strategy
	}{
		{CategoryDocument, 5*1024*1024 - 1, StrategyDirect},
		{CategoryDocument, 5 * 1024 * 1024, StrategyChunked},
		{CategoryImage, 1024, StrategyDirect},
		{CategoryVideo, 1, StrategyChunked},
	}
	for _, tc := range cases {
		if got := p.SelectStrategy(tc.cat, tc.size); got != tc.want {
			t.Errorf("SelectStrategy(%s, %d) = %s, want %s", tc.cat, tc.size, got, tc.want)
		}
	}
}

func TestDirectUploadSmallDocument(t *testing.T) {
	oss := newFakeOSS()
	p, creds, _ := testPipeline(t, oss, Config{DirectThresholdBytes: 4096})
	data := bytes.Repeat([]byte("x"), 1024)

	fd, err := p.Upload(context.Background(), Input{Name: "notes.txt", Data: data})
	if err != nil {
		t.Fatal(err)
	}
	if oss.directPosts != 1 || oss.initiates != 0 {
		t.Errorf("expected one direct post and no multipart, got %d/%d", oss.directPosts, oss.initiates)
	}
	if fd.ByteSize != int64(len(data)) {
		t.Errorf("descriptor size %d, want %d", fd.ByteSize, len(data))
	}
	if fd.Status != StatusUploaded || fd.ID != "fid" || fd.Category != CategoryDocument {
		t.Errorf("unexpected descriptor: %+v", fd)
	}
	if creds.lastType != "file" {
		t.Errorf("document grant should request filetype 'file', got %q", creds.lastType)
	}
}

func TestChunkedUploadAboveThreshold(t *testing.T) {
	oss := newFakeOSS()
	p, _, _ := testPipeline(t, oss, Config{
		DirectThresholdBytes: 1024,
		ChunkSizeBytes:       512,
	})
	data := bytes.Repeat([]byte("y"), 1200)

	fd, err := p.Upload(context.Background(), Input{Name: "big.bin", Data: data})
	if err != nil {
		t.Fatal(err)
	}
	if oss.initiates != 1 || oss.completes != 1 {
		t.Fatalf("expected one initiate and one complete, got %d/%d", oss.initiates, oss.completes)
	}
	if len(oss.parts) != 3 {
		t.Errorf("1200 bytes in 512-byte chunks should make 3 parts, got %d", len(oss.parts))
	}
	if fd.ByteSize != 1200 {
		t.Errorf("descriptor size %d, want 1200", fd.ByteSize)
	}
}

func TestOversizedImageRejectedBeforeNetwork(t *testing.T) {
	creds := &fakeCreds{err: errors.New("must not be called")}
	p := NewPipeline(creds, Config{MaxImageBytes: 1024}, nil)
	_, err := p.Upload(context.Background(), Input{
		Name: "huge.png",
		Data: bytes.Repeat([]byte("p"), 2048),
	})
	if !errors.Is(err, ErrSizeExceeded) {
		t.Fatalf("expected ErrSizeExceeded, got %v", err)
	}
	if creds.calls != 0 {
		t.Error("size gate must fire before any credential call")
	}
}

func TestEmptyPayloadRejected(t *testing.T) {
	p := NewPipeline(&fakeCreds{}, Config{}, nil)
	if _, err := p.Upload(context.Background(), Input{Name: "empty.txt"}); err == nil {
		t.Fatal("empty payload must be rejected")
	}
}

func TestChunkRetryRecoversFromTransientFailure(t *testing.T) {
	oss := newFakeOSS()
	oss.failPartOnce[2] = true
	p, _, _ := testPipeline(t, oss, Config{DirectThresholdBytes: 256, ChunkSizeBytes: 512, ChunkRetries: 3})
	data := bytes.Repeat([]byte("z"), 1200)

	if _, err := p.Upload(context.Background(), Input{Name: "retry.bin", Data: data}); err != nil {
		t.Fatalf("transient part failure within the retry budget must recover: %v", err)
	}
	if oss.parts[2] != 2 {
		t.Errorf("part 2 should have been attempted twice, got %d", oss.parts[2])
	}
}

func TestFinalizeRetryRecoversFromTransientFailure(t *testing.T) {
	oss := newFakeOSS()
	oss.failCompleteOnce = true
	p, _, _ := testPipeline(t, oss, Config{DirectThresholdBytes: 256, ChunkSizeBytes: 512, ChunkRetries: 3})
	data := bytes.Repeat([]byte("f"), 1200)

	fd, err := p.Upload(context.Background(), Input{Name: "final.bin", Data: data})
	if err != nil {
		t.Fatalf("transient finalize failure within the retry budget must recover: %v", err)
	}
	if oss.completes != 2 {
		t.Errorf("finalize should have been attempted twice, got %d", oss.completes)
	}
	if fd.ByteSize != 1200 || fd.Status != StatusUploaded {
		t.Errorf("unexpected descriptor after recovered finalize: %+v", fd)
	}
}

func TestChunkRetriesExhausted(t *testing.T) {
	oss := newFakeOSS()
	oss.failPartsHard = true
	p, _, _ := testPipeline(t, oss, Config{DirectThresholdBytes: 256, ChunkSizeBytes: 512, ChunkRetries: 2})

	_, err := p.Upload(context.Background(), Input{Name: "doomed.bin", Data: bytes.Repeat([]byte("q"), 600)})
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
}

func TestVideoFallsBackToDirectOnce(t *testing.T) {
	oss := newFakeOSS()
	oss.failInitiate = true
	p, creds, _ := testPipeline(t, oss, Config{DirectThresholdBytes: 1 << 20})

	fd, err := p.Upload(context.Background(), Input{Name: "clip.mp4", Data: bytes.Repeat([]byte("v"), 2048)})
	if err != nil {
		t.Fatalf("video should fall back to a direct transfer: %v", err)
	}
	if oss.initiates != 1 || oss.directPosts != 1 {
		t.Errorf("expected one failed initiate and one direct post, got %d/%d", oss.initiates, oss.directPosts)
	}
	if fd.Category != CategoryVideo || fd.DisplayHint != HintVideo {
		t.Errorf("unexpected descriptor: %+v", fd)
	}
	if creds.lastType != "video" {
		t.Errorf("video grant should request filetype 'video', got %q", creds.lastType)
	}
}

func TestDetectCategory(t *testing.T) {
	cases := []struct {
		name string
		want Category
	}{
		{"a.png", CategoryImage},
		{"b.mov", CategoryVideo},
		{"c.pdf", CategoryDocument},
		{"d.unknown", CategoryDocument},
	}
	for _, tc := range cases {
		if got := DetectCategory(tc.name, ""); got != tc.want {
			t.Errorf("DetectCategory(%q) = %s, want %s", tc.name, got, tc.want)
		}
	}
	if got := DetectContentType("noext", "text/x-custom"); got != "text/x-custom" {
		t.Errorf("declared type should win for unknown extensions, got %q", got)
	}
	if !strings.HasPrefix(DetectContentType("x.webm", ""), "video/") {
		t.Error("webm should classify as video")
	}
}
