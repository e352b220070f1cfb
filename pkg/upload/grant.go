package upload

import (
	"context"
	"net/url"
	"strings"
)

// Grant holds the short-lived object-storage credentials issued per
// upload session.
type Grant struct {
	AccessKeyID     string
	AccessKeySecret string
	SecurityToken   string
	Bucket          string
	Endpoint        string
	FilePath        string
	FileID          string
	FileURL         string
}

// CredentialSource issues a Grant for one file. filetype is the
// classification string the upstream credential endpoint expects
// (image, video, file).
type CredentialSource interface {
	UploadGrant(ctx context.Context, filename string, size int64, filetype string) (*Grant, error)
}

// baseURL is the virtual-hosted bucket root. An endpoint that already
// carries a scheme is used verbatim, which test doubles rely on.
func (g *Grant) baseURL() string {
	if strings.Contains(g.Endpoint, "://") {
		return strings.TrimRight(g.Endpoint, "/")
	}
	return "https://" + g.Bucket + "." + g.Endpoint
}

// objectURL addresses the granted object key.
func (g *Grant) objectURL() string {
	escaped := (&url.URL{Path: "/" + strings.TrimPrefix(g.FilePath, "/")}).EscapedPath()
	return g.baseURL() + escaped
}

// accessURL is what chat messages should reference: the presigned URL
// from the grant when present, otherwise the plain object URL.
func (g *Grant) accessURL() string {
	if g.FileURL != "" {
		return g.FileURL
	}
	return g.objectURL()
}
