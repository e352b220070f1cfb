package upload

import (
	"path/filepath"
	"strings"
	"time"
)

type Category string

const (
	CategoryImage    Category = "image"
	CategoryVideo    Category = "video"
	CategoryDocument Category = "document"
)

type DisplayHint string

const (
	HintVision   DisplayHint = "vision"
	HintVideo    DisplayHint = "video"
	HintDocument DisplayHint = "document"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusUploaded Status = "uploaded"
	StatusFailed   Status = "failed"
)

// FileDescriptor is the result of a completed upload. ByteSize is the
// exact transferred byte count and is never 0 for StatusUploaded.
type FileDescriptor struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	URL         string      `json:"url"`
	ByteSize    int64       `json:"byte_size"`
	MIMEType    string      `json:"mime_type"`
	Category    Category    `json:"category"`
	DisplayHint DisplayHint `json:"display_hint"`
	Status      Status      `json:"status"`
	UploadedAt  time.Time   `json:"uploaded_at"`
}

func (c Category) DisplayHint() DisplayHint {
	switch c {
	case CategoryImage:
		return HintVision
	case CategoryVideo:
		return HintVideo
	default:
		return HintDocument
	}
}

// STSFileType maps the category onto the filetype parameter the
// credential endpoint expects.
func (c Category) STSFileType() string {
	switch c {
	case CategoryImage:
		return "image"
	case CategoryVideo:
		return "video"
	default:
		return "file"
	}
}

var imageContentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tiff": "image/tiff",
}

var videoContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".qt":   "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".m4v":  "video/x-m4v",
	".3gp":  "video/3gpp",
	".m2ts": "video/mp2t",
}

var documentContentTypes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".json": "application/json",
	".xml":  "application/xml",
	".yaml": "application/x-yaml",
	".yml":  "application/x-yaml",
}

// DetectContentType resolves the concrete MIME type from the filename
// extension, falling back to the declared type, then octet-stream.
func DetectContentType(filename, declared string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ct, ok := imageContentTypes[ext]; ok {
		return ct
	}
	if ct, ok := videoContentTypes[ext]; ok {
		return ct
	}
	if ct, ok := documentContentTypes[ext]; ok {
		return ct
	}
	if declared != "" {
		return declared
	}
	return "application/octet-stream"
}

// DetectCategory classifies the payload for strategy selection and
// descriptor construction.
func DetectCategory(filename, declared string) Category {
	ct := DetectContentType(filename, declared)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return CategoryImage
	case strings.HasPrefix(ct, "video/"):
		return CategoryVideo
	default:
		return CategoryDocument
	}
}
