// Package blob keeps session blobs and discovery artifacts in a gocloud
// bucket. Production uses file:// or a cloud driver, tests use mem://.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	gcblob "gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"go-groupwatch/internal/browser"
	"go-groupwatch/internal/domain"
)

// Open opens the bucket behind url, e.g. "file:///var/lib/groupwatch" or
// "mem://".
func Open(ctx context.Context, url string) (*gcblob.Bucket, error) {
	b, err := gcblob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", url, err)
	}
	return b, nil
}

func isNotFound(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}

// SessionStore persists one StorageState per (tenant, account).
type SessionStore struct {
	bucket *gcblob.Bucket
}

func NewSessionStore(b *gcblob.Bucket) *SessionStore {
	return &SessionStore{bucket: b}
}

func (s *SessionStore) Get(ctx context.Context, tenantID, accountID uuid.UUID) (browser.StorageState, error) {
	key := domain.SessionBlobKey(tenantID, accountID)
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return browser.StorageState{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, key)
		}
		return browser.StorageState{}, fmt.Errorf("read session %s: %w", key, err)
	}
	return browser.ParseStorageState(data)
}

// Put writes the blob and returns its key.
func (s *SessionStore) Put(ctx context.Context, tenantID, accountID uuid.UUID, state browser.StorageState) (string, error) {
	key := domain.SessionBlobKey(tenantID, accountID)
	data, err := state.Marshal()
	if err != nil {
		return "", err
	}
	opts := &gcblob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, key, data, opts); err != nil {
		return "", fmt.Errorf("write session %s: %w", key, err)
	}
	return key, nil
}

// Delete removes the blob. A missing blob is not an error.
func (s *SessionStore) Delete(ctx context.Context, tenantID, accountID uuid.UUID) error {
	key := domain.SessionBlobKey(tenantID, accountID)
	if err := s.bucket.Delete(ctx, key); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}

func (s *SessionStore) Exists(ctx context.Context, tenantID, accountID uuid.UUID) (bool, error) {
	return s.bucket.Exists(ctx, domain.SessionBlobKey(tenantID, accountID))
}

// ArtifactStore keeps per-item screenshots.
type ArtifactStore struct {
	bucket *gcblob.Bucket
}

func NewArtifactStore(b *gcblob.Bucket) *ArtifactStore {
	return &ArtifactStore{bucket: b}
}

func (a *ArtifactStore) Put(ctx context.Context, key string, png []byte) error {
	if err := a.bucket.WriteAll(ctx, key, png, &gcblob.WriterOptions{ContentType: "image/png"}); err != nil {
		return fmt.Errorf("write artifact %s: %w", key, err)
	}
	return nil
}

func (a *ArtifactStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := a.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: artifact %s", domain.ErrNotFound, key)
		}
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return data, nil
}
