package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/meridian-commerce/pimsync/internal/domain"
)

type capturingUploader struct {
	object      string
	contentType string
	data        []byte
	err         error
}

func (u *capturingUploader) upload(_ context.Context, object, contentType string, body io.Reader) error {
	if u.err != nil {
		return u.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	u.object = object
	u.contentType = contentType
	u.data = data
	return nil
}

func newTestMirror(uploader uploader) *MediaMirror {
	return &MediaMirror{
		bucket:   "media-test",
		uploader: uploader,
		fetch:    http.DefaultClient,
	}
}

func TestMirrorStoresImageAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	captured := &capturingUploader{}
	mirror := newTestMirror(captured)

	object, err := mirror.Mirror(context.Background(), "entry-1", domain.Attachment{
		Kind: domain.AttachmentImage,
		URL:  srv.URL + "/images/front.jpg",
	})
	if err != nil {
		t.Fatalf("Mirror returned error: %v", err)
	}
	if object != "media/catalog/entry-1/images/front.jpg" {
		t.Fatalf("unexpected object path: %s", object)
	}
	if captured.object != object {
		t.Fatalf("uploader received %s, want %s", captured.object, object)
	}
	if captured.contentType != "image/jpeg" {
		t.Fatalf("unexpected content type: %s", captured.contentType)
	}
	if !bytes.Equal(captured.data, []byte("jpeg-bytes")) {
		t.Fatalf("unexpected payload: %q", captured.data)
	}
}

func TestMirrorStoresDocumentAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF"))
	}))
	defer srv.Close()

	captured := &capturingUploader{}
	mirror := newTestMirror(captured)

	object, err := mirror.Mirror(context.Background(), "entry-1", domain.Attachment{
		Kind: domain.AttachmentDocument,
		URL:  srv.URL + "/docs/manual.pdf",
	})
	if err != nil {
		t.Fatalf("Mirror returned error: %v", err)
	}
	if object != "media/catalog/entry-1/documents/manual.pdf" {
		t.Fatalf("unexpected object path: %s", object)
	}
}

func TestMirrorFallsBackToDigestFileName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	captured := &capturingUploader{}
	mirror := newTestMirror(captured)

	object, err := mirror.Mirror(context.Background(), "entry-1", domain.Attachment{
		Kind: domain.AttachmentImage,
		URL:  srv.URL + "/",
	})
	if err != nil {
		t.Fatalf("Mirror returned error: %v", err)
	}
	name := fileNameFromURL(srv.URL + "/")
	if object != "media/catalog/entry-1/images/"+name {
		t.Fatalf("unexpected object path: %s", object)
	}
	if len(name) != 16 {
		t.Fatalf("expected digest file name, got %q", name)
	}
}

func TestMirrorRejectsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	mirror := newTestMirror(&capturingUploader{})

	_, err := mirror.Mirror(context.Background(), "entry-1", domain.Attachment{
		Kind: domain.AttachmentImage,
		URL:  srv.URL + "/images/front.jpg",
	})
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestMirrorRequiresURL(t *testing.T) {
	mirror := newTestMirror(&capturingUploader{})
	if _, err := mirror.Mirror(context.Background(), "entry-1", domain.Attachment{Kind: domain.AttachmentImage}); err == nil {
		t.Fatal("expected error for missing url")
	}
}
