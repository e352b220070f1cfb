package qwen

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lkarlslund/qwengate/pkg/upload"
)

type FileMeta struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

type fileRecord struct {
	CreatedAt int64          `json:"created_at"`
	Data      map[string]any `json:"data"`
	Filename  string         `json:"filename"`
	Hash      *string        `json:"hash"`
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Meta      FileMeta       `json:"meta"`
	UpdateAt  int64          `json:"update_at"`
}

// FileInfo is the attachment object the web client embeds in chat
// messages. Field names follow the wire format exactly.
type FileInfo struct {
	Type           string     `json:"type"`
	File           fileRecord `json:"file"`
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	Name           string     `json:"name"`
	CollectionName string     `json:"collection_name"`
	Progress       int        `json:"progress"`
	Status         string     `json:"status"`
	GreenNet       string     `json:"greenNet"`
	Size           int64      `json:"size"`
	Error          string     `json:"error"`
	ItemID         string     `json:"itemId"`
	FileType       string     `json:"file_type"`
	ShowType       string     `json:"showType"`
	FileClass      string     `json:"file_class"`
	UploadTaskID   string     `json:"uploadTaskId"`
}

func showType(cat upload.Category) string {
	switch cat {
	case upload.CategoryImage:
		return "image"
	case upload.CategoryVideo:
		return "video"
	default:
		return "file"
	}
}

// FileInfoFromDescriptor builds the attachment object from a completed
// upload. The descriptor guarantees a real byte size and content type.
func FileInfoFromDescriptor(fd *upload.FileDescriptor) FileInfo {
	now := time.Now().UnixMilli()
	return FileInfo{
		Type: fd.Category.STSFileType(),
		File: fileRecord{
			CreatedAt: now,
			Data:      map[string]any{},
			Filename:  fd.Name,
			ID:        fd.ID,
			UserID:    "unknown",
			Meta: FileMeta{
				Name:        fd.Name,
				Size:        fd.ByteSize,
				ContentType: fd.MIMEType,
			},
			UpdateAt: now,
		},
		ID:           fd.ID,
		URL:          fd.URL,
		Name:         fd.Name,
		Status:       "uploaded",
		GreenNet:     "success",
		Size:         fd.ByteSize,
		ItemID:       uuid.NewString(),
		FileType:     fd.MIMEType,
		ShowType:     showType(fd.Category),
		FileClass:    string(fd.Category.DisplayHint()),
		UploadTaskID: uuid.NewString(),
	}
}

// FileInfoFromURL builds an attachment from a bare URL. This is the
// degraded legacy path: size is unknown and reported as 0, and the
// content type is guessed from the URL path.
func FileInfoFromURL(rawURL string) FileInfo {
	fileID := uuid.NewString()
	filename := "uploaded_file"
	if u, err := url.Parse(rawURL); err == nil {
		parts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
		if last := parts[len(parts)-1]; last != "" {
			// Object keys look like user_id/file_id_filename.
			if id, rest, ok := strings.Cut(last, "_"); ok && rest != "" {
				fileID = id
				if unescaped, err := url.PathUnescape(rest); err == nil {
					filename = unescaped
				} else {
					filename = rest
				}
			} else {
				filename = last
			}
		}
	}
	contentType := upload.DetectContentType(filename, "")
	cat := upload.DetectCategory(filename, contentType)
	now := time.Now().UnixMilli()
	return FileInfo{
		Type: cat.STSFileType(),
		File: fileRecord{
			CreatedAt: now,
			Data:      map[string]any{},
			Filename:  filename,
			ID:        fileID,
			UserID:    "unknown",
			Meta: FileMeta{
				Name:        filename,
				Size:        0,
				ContentType: contentType,
			},
			UpdateAt: now,
		},
		ID:           fileID,
		URL:          rawURL,
		Name:         filename,
		Status:       "uploaded",
		GreenNet:     "success",
		ItemID:       uuid.NewString(),
		FileType:     contentType,
		ShowType:     showType(cat),
		FileClass:    string(cat.DisplayHint()),
		UploadTaskID: uuid.NewString(),
	}
}
