package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/meridian-commerce/pimsync/internal/domain"
)

const defaultMirrorTimeout = 30 * time.Second

// uploader abstracts the object write so tests can capture uploads in memory.
type uploader interface {
	upload(ctx context.Context, object, contentType string, body io.Reader) error
}

// MediaMirror downloads remote attachments and stores a copy in a Cloud
// Storage bucket, returning the object path of the stored copy.
type MediaMirror struct {
	bucket   string
	uploader uploader
	fetch    *http.Client
}

// MediaMirrorOption customises mirror behaviour.
type MediaMirrorOption func(*MediaMirror)

// WithFetchClient overrides the HTTP client used to download attachments.
func WithFetchClient(client *http.Client) MediaMirrorOption {
	return func(m *MediaMirror) {
		if client != nil {
			m.fetch = client
		}
	}
}

// NewMediaMirror constructs a mirror writing into the provided bucket.
func NewMediaMirror(client *gcs.Client, bucket string, opts ...MediaMirrorOption) (*MediaMirror, error) {
	if client == nil {
		return nil, errors.New("storage mirror: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage mirror: bucket is required")
	}

	mirror := &MediaMirror{
		bucket:   bucket,
		uploader: &gcsUploader{bucket: client.Bucket(bucket)},
		fetch:    &http.Client{Timeout: defaultMirrorTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mirror)
		}
	}
	return mirror, nil
}

// Mirror fetches the attachment and stores it under a deterministic object
// path derived from the entry and the source file name. Mirroring the same
// attachment twice overwrites the existing copy in place.
func (m *MediaMirror) Mirror(ctx context.Context, entryID string, attachment domain.Attachment) (string, error) {
	if m == nil || m.uploader == nil {
		return "", errors.New("storage mirror: not initialised")
	}
	source := strings.TrimSpace(attachment.URL)
	if source == "" {
		return "", errors.New("storage mirror: attachment url is required")
	}

	object, err := BuildObjectPath(purposeForKind(attachment.Kind), PathParams{
		EntryID:  entryID,
		FileName: fileNameFromURL(source),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("storage mirror: build request: %w", err)
	}
	resp, err := m.fetch.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage mirror: fetch %s: %w", source, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("storage mirror: fetch %s: unexpected status %d", source, resp.StatusCode)
	}

	if err := m.uploader.upload(ctx, object, resp.Header.Get("Content-Type"), resp.Body); err != nil {
		return "", fmt.Errorf("storage mirror: store %s: %w", object, err)
	}
	return object, nil
}

func purposeForKind(kind domain.AttachmentKind) AssetPurpose {
	if kind == domain.AttachmentImage {
		return PurposeEntryImage
	}
	return PurposeEntryDocument
}

// fileNameFromURL extracts the last path segment of the source URL. Sources
// without a usable segment fall back to a digest of the full URL so repeated
// mirrors stay stable.
func fileNameFromURL(source string) string {
	if parsed, err := url.Parse(source); err == nil {
		name := path.Base(parsed.Path)
		if name != "" && name != "." && name != "/" && !strings.Contains(name, "..") {
			return name
		}
	}
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:8])
}

type gcsUploader struct {
	bucket *gcs.BucketHandle
}

func (u *gcsUploader) upload(ctx context.Context, object, contentType string, body io.Reader) error {
	w := u.bucket.Object(object).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
