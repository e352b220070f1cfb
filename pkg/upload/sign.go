package upload

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	unsignedPayload = "UNSIGNED-PAYLOAD"
	ossUserAgent    = "aliyun-sdk-js/6.23.0 Chrome 132.0.0.0 on Windows 10 64-bit"
	signDateLayout  = "20060102T150405Z"
)

// Headers that participate in the v4 signature when present, in the
// sorted order the canonical form requires.
var signableHeaders = []string{
	"content-md5",
	"content-type",
	"x-oss-content-sha256",
	"x-oss-date",
	"x-oss-security-token",
	"x-oss-user-agent",
}

type v4Signer struct {
	accessKeyID     string
	accessKeySecret string
	region          string
}

// authorization builds the OSS4-HMAC-SHA256 Authorization header for
// one request against the granted object.
func (s v4Signer) authorization(method, rawURL string, headers map[string]string, dateStr string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	lower := make(map[string]string, len(headers))
	for k, v := range headers {
		lower[strings.ToLower(k)] = v
	}
	var canonHeaders strings.Builder
	for _, name := range signableHeaders {
		if v, ok := lower[name]; ok {
			canonHeaders.WriteString(name)
			canonHeaders.WriteString(":")
			canonHeaders.WriteString(v)
			canonHeaders.WriteString("\n")
		}
	}
	canonical := method + "\n" +
		canonicalURI(u) + "\n" +
		canonicalQuery(u.RawQuery) + "\n" +
		canonHeaders.String() + "\n" +
		unsignedPayload

	day := strings.SplitN(dateStr, "T", 2)[0]
	scope := day + "/" + s.region + "/oss/aliyun_v4_request"
	sum := sha256.Sum256([]byte(canonical))
	stringToSign := "OSS4-HMAC-SHA256\n" + dateStr + "\n" + scope + "\n" + hex.EncodeToString(sum[:])

	key := hmacSHA256([]byte("aliyun_v4"+s.accessKeySecret), day)
	key = hmacSHA256(key, s.region)
	key = hmacSHA256(key, "oss")
	key = hmacSHA256(key, "aliyun_v4_request")
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	return "OSS4-HMAC-SHA256 Credential=" + s.accessKeyID + "/" + scope + ",Signature=" + signature, nil
}

// canonicalURI includes the bucket label when the object is addressed
// through a virtual-hosted aliyuncs.com domain.
func canonicalURI(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	host := u.Hostname()
	if strings.Contains(host, "aliyuncs.com") {
		if bucket, rest, ok := strings.Cut(host, "."); ok && bucket != "" && rest != "" {
			return "/" + bucket + path
		}
	}
	return path
}

// canonicalQuery sorts parameters and keeps bare keys bare, so
// "?uploads=" and "?uploads" both canonicalize to "uploads".
func canonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := make([]string, 0, 4)
	for _, param := range strings.Split(rawQuery, "&") {
		if param == "" {
			continue
		}
		if key, value, ok := strings.Cut(param, "="); ok && value == "" {
			parts = append(parts, key)
		} else {
			parts = append(parts, param)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

// postPolicy builds the base64 policy document and its HMAC-SHA1
// signature for a browser-style POST form upload.
func postPolicy(grant *Grant, contentType string, maxBytes int64, expires time.Time) (string, string, error) {
	doc := map[string]any{
		"expiration": expires.UTC().Format("2006-01-02T15:04:05.000Z"),
		"conditions": []any{
			map[string]string{"bucket": grant.Bucket},
			map[string]string{"key": grant.FilePath},
			map[string]string{"x-oss-security-token": grant.SecurityToken},
			[]any{"eq", "$Content-Type", contentType},
			[]any{"content-length-range", 0, maxBytes},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", "", err
	}
	policy := base64.StdEncoding.EncodeToString(raw)
	mac := hmac.New(sha1.New, []byte(grant.AccessKeySecret))
	mac.Write([]byte(policy))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return policy, signature, nil
}
