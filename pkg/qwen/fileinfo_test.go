package qwen

import (
	"testing"
	"time"

	"github.com/lkarlslund/qwengate/pkg/upload"
)

func TestFileInfoFromDescriptor(t *testing.T) {
	fd := &upload.FileDescriptor{
		ID:          "fid-1",
		Name:        "photo.png",
		URL:         "https://bkt.example/uid/fid-1_photo.png",
		ByteSize:    4321,
		MIMEType:    "image/png",
		Category:    upload.CategoryImage,
		DisplayHint: upload.HintVision,
		Status:      upload.StatusUploaded,
		UploadedAt:  time.Now(),
	}
	fi := FileInfoFromDescriptor(fd)
	if fi.Size != 4321 || fi.File.Meta.Size != 4321 {
		t.Errorf("descriptor size must carry through, got %d/%d", fi.Size, fi.File.Meta.Size)
	}
	if fi.Type != "image" || fi.ShowType != "image" || fi.FileClass != "vision" {
		t.Errorf("image classification wrong: %+v", fi)
	}
	if fi.Status != "uploaded" || fi.GreenNet != "success" {
		t.Errorf("upload state wrong: %+v", fi)
	}
}

func TestFileInfoFromURL(t *testing.T) {
	fi := FileInfoFromURL("https://bkt.example/user-9/abc123_report%20final.pdf?sig=x")
	if fi.Name != "report final.pdf" {
		t.Errorf("filename = %q", fi.Name)
	}
	if fi.ID != "abc123" {
		t.Errorf("file id = %q", fi.ID)
	}
	if fi.Size != 0 {
		t.Errorf("url-only attachments report unknown size as 0, got %d", fi.Size)
	}
	if fi.Type != "file" || fi.FileType != "application/pdf" {
		t.Errorf("classification wrong: %+v", fi)
	}
}
