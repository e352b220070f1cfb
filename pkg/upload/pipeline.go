package upload

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/google/uuid"
)

type Strategy string

const (
	StrategyDirect  Strategy = "direct"
	StrategyChunked Strategy = "chunked"
)

type Config struct {
	DirectThresholdBytes int64
	MaxImageBytes        int64
	ChunkSizeBytes       int64
	ChunkRetries         int
	ChunkParallelism     int
	Region               string
}

// Pipeline turns a local binary payload into a remote file descriptor.
// It acquires per-file temporary credentials, picks the transfer
// strategy by size and category, and guarantees the resulting
// descriptor carries the real transferred size.
type Pipeline struct {
	creds CredentialSource
	http  *http.Client
	cfg   Config
	log   *log.Logger
	now   func() time.Time
}

func NewPipeline(creds CredentialSource, cfg Config, logger *log.Logger) *Pipeline {
	if cfg.DirectThresholdBytes <= 0 {
		cfg.DirectThresholdBytes = 5 * 1024 * 1024
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 10 * 1024 * 1024
	}
	if cfg.ChunkSizeBytes <= 0 {
		cfg.ChunkSizeBytes = 5 * 1024 * 1024
	}
	if cfg.ChunkRetries <= 0 {
		cfg.ChunkRetries = 3
	}
	if cfg.ChunkParallelism <= 0 {
		cfg.ChunkParallelism = 3
	}
	if cfg.Region == "" {
		cfg.Region = "ap-southeast-1"
	}
	return &Pipeline{
		creds: creds,
		http:  &http.Client{Timeout: 120 * time.Second},
		cfg:   cfg,
		log:   logger,
		now:   time.Now,
	}
}

type Input struct {
	Name        string
	ContentType string
	Data        []byte
}

// SelectStrategy applies the size policy: video always goes chunked,
// everything else switches to chunked at the direct threshold.
func (p *Pipeline) SelectStrategy(cat Category, size int64) Strategy {
	if cat == CategoryVideo {
		return StrategyChunked
	}
	if size >= p.cfg.DirectThresholdBytes {
		return StrategyChunked
	}
	return StrategyDirect
}

// Upload transfers the payload and returns its descriptor. Size limits
// are enforced before any network call.
func (p *Pipeline) Upload(ctx context.Context, in Input) (*FileDescriptor, error) {
	size := int64(len(in.Data))
	contentType := DetectContentType(in.Name, in.ContentType)
	cat := DetectCategory(in.Name, in.ContentType)

	if cat == CategoryImage && size > p.cfg.MaxImageBytes {
		return nil, fmt.Errorf("%w: image is %d bytes, limit %d", ErrSizeExceeded, size, p.cfg.MaxImageBytes)
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrSizeExceeded)
	}

	grant, err := p.fetchGrant(ctx, in.Name, size, cat)
	if err != nil {
		return nil, err
	}

	strategy := p.SelectStrategy(cat, size)
	if p.log != nil {
		p.log.Debug("uploading payload", "name", in.Name, "bytes", size, "category", cat, "strategy", strategy)
	}

	switch strategy {
	case StrategyChunked:
		err = p.chunkedUpload(ctx, grant, in.Data, contentType)
		if err != nil && cat == CategoryVideo && ctx.Err() == nil {
			// One direct-transfer fallback for video before giving up.
			if p.log != nil {
				p.log.Warn("chunked video upload failed, trying direct transfer", "error", err)
			}
			err = p.directUpload(ctx, grant, in.Data, contentType, in.Name)
		}
	default:
		err = p.directUpload(ctx, grant, in.Data, contentType, in.Name)
	}
	if err != nil {
		return nil, err
	}

	id := grant.FileID
	if id == "" {
		id = uuid.NewString()
	}
	return &FileDescriptor{
		ID:          id,
		Name:        in.Name,
		URL:         grant.accessURL(),
		ByteSize:    size,
		MIMEType:    contentType,
		Category:    cat,
		DisplayHint: cat.DisplayHint(),
		Status:      StatusUploaded,
		UploadedAt:  p.now().UTC(),
	}, nil
}

// fetchGrant retries the credential call a few times since it is
// idempotent and cheap.
func (p *Pipeline) fetchGrant(ctx context.Context, name string, size int64, cat Category) (*Grant, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.ChunkRetries; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, time.Duration(attempt-1)*500*time.Millisecond); err != nil {
				return nil, err
			}
		}
		grant, err := p.creds.UploadGrant(ctx, name, size, cat.STSFileType())
		if err == nil {
			return grant, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("acquire upload credentials: %w", lastErr)
}
