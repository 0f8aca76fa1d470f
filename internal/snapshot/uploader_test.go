package snapshot

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/hyperengineering/tradebook/internal/config"
)

type mockS3Client struct {
	putCalls []string // "bucket/key path"
	putErr   error

	presignedURL string
	presignErr   error
}

func (m *mockS3Client) FPutObject(ctx context.Context, bucket, objectName, filePath string, opts interface{}) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.putCalls = append(m.putCalls, bucket+"/"+objectName+" "+filePath)
	return nil
}

func (m *mockS3Client) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	if m.presignErr != nil {
		return nil, m.presignErr
	}
	return url.Parse(m.presignedURL)
}

func TestNewUploader_NoopWithoutBucket(t *testing.T) {
	up, err := NewUploader(config.SnapshotStorageConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := up.(*NoopUploader); !ok {
		t.Fatalf("Expected NoopUploader, got %T", up)
	}
}

func TestNoopUploader(t *testing.T) {
	up := &NoopUploader{}
	ctx := context.Background()

	if err := up.Upload(ctx, "ws-1", "/tmp/snap.db"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := up.PresignedURL(ctx, "ws-1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Expected ErrNotConfigured, got %v", err)
	}
}

func TestS3Uploader_Upload(t *testing.T) {
	client := &mockS3Client{}
	up := &S3Uploader{client: client, bucket: "backups", urlExpiry: DefaultURLExpiry}

	if err := up.Upload(context.Background(), "ws-1", "/data/tradebook.db.snapshot"); err != nil {
		t.Fatal(err)
	}

	want := "backups/snapshots/ws-1/tradebook.db /data/tradebook.db.snapshot"
	if len(client.putCalls) != 1 || client.putCalls[0] != want {
		t.Errorf("Expected %q, got %+v", want, client.putCalls)
	}
}

func TestS3Uploader_UploadError(t *testing.T) {
	client := &mockS3Client{putErr: errors.New("access denied")}
	up := &S3Uploader{client: client, bucket: "backups", urlExpiry: DefaultURLExpiry}

	if err := up.Upload(context.Background(), "ws-1", "/data/snap"); err == nil {
		t.Error("Expected upload error to propagate")
	}
}

func TestS3Uploader_PresignedURL(t *testing.T) {
	client := &mockS3Client{presignedURL: "https://s3.example.com/backups/snapshots/ws-1/tradebook.db?sig=abc"}
	up := &S3Uploader{client: client, bucket: "backups", urlExpiry: DefaultURLExpiry}

	before := time.Now()
	got, expiry, err := up.PresignedURL(context.Background(), "ws-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != client.presignedURL {
		t.Errorf("Expected %q, got %q", client.presignedURL, got)
	}
	if expiry.Before(before.Add(DefaultURLExpiry - time.Minute)) {
		t.Errorf("Expected expiry about %s out, got %s", DefaultURLExpiry, expiry)
	}
}
