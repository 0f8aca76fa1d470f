package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hyperengineering/tradebook/internal/store"
)

type mockSnapshotter struct {
	genCalls int
	genErr   error
	path     string
	pathErr  error
}

func (m *mockSnapshotter) GenerateSnapshot(ctx context.Context) error {
	m.genCalls++
	return m.genErr
}

func (m *mockSnapshotter) GetSnapshotPath(ctx context.Context) (string, error) {
	if m.pathErr != nil {
		return "", m.pathErr
	}
	return m.path, nil
}

type mockUploader struct {
	uploads   []string
	uploadErr error
}

func (m *mockUploader) Upload(ctx context.Context, workspaceID, filePath string) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.uploads = append(m.uploads, workspaceID+":"+filePath)
	return nil
}

func (m *mockUploader) PresignedURL(ctx context.Context, workspaceID string) (string, time.Time, error) {
	return "", time.Time{}, errors.New("not implemented")
}

type mockWorkspaceSource struct {
	ws string
	ok bool
}

func (m *mockWorkspaceSource) CurrentWorkspaceID() (string, bool) { return m.ws, m.ok }

func TestSnapshotCoordinator_GenerateAndUpload(t *testing.T) {
	snap := &mockSnapshotter{path: "/data/tradebook.db.snapshot"}
	up := &mockUploader{}
	c := NewSnapshotCoordinator(snap, &mockWorkspaceSource{ws: "ws-1", ok: true}, time.Hour, up)

	c.generateSnapshot(context.Background())

	if snap.genCalls != 1 {
		t.Errorf("Expected 1 snapshot, got %d", snap.genCalls)
	}
	if len(up.uploads) != 1 || up.uploads[0] != "ws-1:/data/tradebook.db.snapshot" {
		t.Errorf("Unexpected uploads %+v", up.uploads)
	}
}

func TestSnapshotCoordinator_SkipsUploadWhenSignedOut(t *testing.T) {
	snap := &mockSnapshotter{path: "/data/tradebook.db.snapshot"}
	up := &mockUploader{}
	c := NewSnapshotCoordinator(snap, &mockWorkspaceSource{}, time.Hour, up)

	c.generateSnapshot(context.Background())

	if snap.genCalls != 1 {
		t.Error("Expected local snapshot even while signed out")
	}
	if len(up.uploads) != 0 {
		t.Errorf("Expected no upload without a workspace, got %+v", up.uploads)
	}
}

func TestSnapshotCoordinator_SkipsUploadWithoutSnapshot(t *testing.T) {
	snap := &mockSnapshotter{pathErr: fmt.Errorf("snapshot: %w", store.ErrNotFound)}
	up := &mockUploader{}
	c := NewSnapshotCoordinator(snap, &mockWorkspaceSource{ws: "ws-1", ok: true}, time.Hour, up)

	c.generateSnapshot(context.Background())

	if len(up.uploads) != 0 {
		t.Errorf("Expected no upload without a snapshot file, got %+v", up.uploads)
	}
}

func TestSnapshotCoordinator_GenerationFailureIsNonFatal(t *testing.T) {
	snap := &mockSnapshotter{genErr: errors.New("disk full")}
	up := &mockUploader{}
	c := NewSnapshotCoordinator(snap, &mockWorkspaceSource{ws: "ws-1", ok: true}, time.Hour, up)

	c.generateSnapshot(context.Background())

	if len(up.uploads) != 0 {
		t.Errorf("Expected no upload after failed generation, got %+v", up.uploads)
	}
}

func TestSnapshotCoordinator_UploadFailureIsNonFatal(t *testing.T) {
	snap := &mockSnapshotter{path: "/data/tradebook.db.snapshot"}
	up := &mockUploader{uploadErr: errors.New("bucket gone")}
	c := NewSnapshotCoordinator(snap, &mockWorkspaceSource{ws: "ws-1", ok: true}, time.Hour, up)

	// Must not panic or propagate; the local snapshot remains valid.
	c.generateSnapshot(context.Background())
}

func TestSnapshotCoordinator_NilUploader(t *testing.T) {
	snap := &mockSnapshotter{path: "/data/tradebook.db.snapshot"}
	c := NewSnapshotCoordinator(snap, &mockWorkspaceSource{ws: "ws-1", ok: true}, time.Hour, nil)

	c.generateSnapshot(context.Background())

	if snap.genCalls != 1 {
		t.Errorf("Expected snapshot without uploader, got %d calls", snap.genCalls)
	}
}

func TestSnapshotCoordinator_RunStopsOnCancel(t *testing.T) {
	c := NewSnapshotCoordinator(&mockSnapshotter{}, &mockWorkspaceSource{}, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Run to return after context cancellation")
	}
}
