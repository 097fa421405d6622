package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/edgegate/backend/internal/core"
)

// DefaultRetention is how long artifact bytes are kept unless a
// non-expired bundle references them.
const DefaultRetention = 30 * 24 * time.Hour

// MetaStore is the artifact metadata persistence the store relies on.
// The database package implements it for Postgres and in memory.
// GetArtifact fails NOT_FOUND for missing or foreign rows;
// LookupArtifactBySHA returns (nil, nil) on a miss.
type MetaStore interface {
	InsertArtifact(ctx context.Context, a core.Artifact) error
	GetArtifact(ctx context.Context, workspaceID, artifactID uuid.UUID) (*core.Artifact, error)
	LookupArtifactBySHA(ctx context.Context, workspaceID uuid.UUID, sha256 string) (*core.Artifact, error)
	ListExpiredArtifacts(ctx context.Context, cutoff time.Time) ([]core.Artifact, error)
	TombstoneArtifact(ctx context.Context, artifactID uuid.UUID) error
	CountLiveByStorageKey(ctx context.Context, storageKey string) (int, error)
	ExtendArtifactExpiry(ctx context.Context, artifactID uuid.UUID, until time.Time) error
}

// Store puts and gets immutable blobs keyed by SHA-256 with
// per-workspace access checks.
type Store struct {
	meta      MetaStore
	objects   ObjectBackend
	limits    core.Limits
	retention time.Duration
	now       func() time.Time
}

// New builds a store with the default retention window.
func New(meta MetaStore, objects ObjectBackend, limits core.Limits) *Store {
	return &Store{
		meta:      meta,
		objects:   objects,
		limits:    limits,
		retention: DefaultRetention,
		now:       time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// StorageKey is the object key layout for content-addressed artifacts.
func StorageKey(sha, filename string) string {
	if filename == "" {
		filename = "blob"
	}
	return path.Join("artifacts", sha, path.Base(filename))
}

// Put stores a byte slice. Identical bytes under the same workspace
// deduplicate to the existing artifact row.
func (s *Store) Put(ctx context.Context, workspaceID uuid.UUID, kind core.ArtifactKind, data []byte, filename string) (core.Artifact, error) {
	return s.PutStream(ctx, workspaceID, kind, bytes.NewReader(data), int64(len(data)), filename)
}

// PutStream stores from a reader with bounded memory. The returned
// artifact's SHA-256 is computed from the bytes actually written.
// Models larger than the upload cap fail LIMIT_EXCEEDED, checked both
// against the declared size and the observed stream length.
func (s *Store) PutStream(ctx context.Context, workspaceID uuid.UUID, kind core.ArtifactKind, r io.Reader, declaredSize int64, filename string) (core.Artifact, error) {
	if kind == core.ArtifactModel {
		if err := s.limits.CheckModelUploadSize(declaredSize); err != nil {
			return core.Artifact{}, err
		}
	}

	staging := path.Join("staging", uuid.NewString())
	hasher := sha256.New()

	written, err := s.objects.Write(staging, io.TeeReader(r, hasher))
	if err != nil {
		return core.Artifact{}, fmt.Errorf("write staging object: %w", err)
	}
	if kind == core.ArtifactModel {
		if err := s.limits.CheckModelUploadSize(written); err != nil {
			s.objects.Delete(staging)
			return core.Artifact{}, err
		}
	}
	sha := hex.EncodeToString(hasher.Sum(nil))

	// Dedupe within the workspace.
	if existing, err := s.meta.LookupArtifactBySHA(ctx, workspaceID, sha); err == nil && existing != nil && !existing.Tombstoned {
		s.objects.Delete(staging)
		return *existing, nil
	}

	key := StorageKey(sha, filename)
	if err := s.objects.Rename(staging, key); err != nil {
		s.objects.Delete(staging)
		return core.Artifact{}, fmt.Errorf("finalize object: %w", err)
	}

	now := s.now().UTC()
	artifact := core.Artifact{
		ID:               uuid.New(),
		WorkspaceID:      workspaceID,
		Kind:             kind,
		SHA256:           sha,
		StorageKey:       key,
		Bytes:            written,
		OriginalFilename: filename,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.retention),
	}
	if err := s.meta.InsertArtifact(ctx, artifact); err != nil {
		return core.Artifact{}, fmt.Errorf("persist artifact row: %w", err)
	}
	return artifact, nil
}

// PutBundle stores a finished evidence archive under its run-scoped
// key, bundles/{run_id}/evidence.zip. Bundles are never deduplicated.
func (s *Store) PutBundle(ctx context.Context, workspaceID, runID uuid.UUID, data []byte) (core.Artifact, error) {
	key := path.Join("bundles", runID.String(), "evidence.zip")
	if _, err := s.objects.Write(key, bytes.NewReader(data)); err != nil {
		return core.Artifact{}, fmt.Errorf("write bundle object: %w", err)
	}
	sum := sha256.Sum256(data)

	now := s.now().UTC()
	artifact := core.Artifact{
		ID:               uuid.New(),
		WorkspaceID:      workspaceID,
		Kind:             core.ArtifactBundle,
		SHA256:           hex.EncodeToString(sum[:]),
		StorageKey:       key,
		Bytes:            int64(len(data)),
		OriginalFilename: "evidence.zip",
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.retention),
	}
	if err := s.meta.InsertArtifact(ctx, artifact); err != nil {
		return core.Artifact{}, fmt.Errorf("persist bundle row: %w", err)
	}
	return artifact, nil
}

// Get returns the stored bytes after verifying their SHA-256 against
// the artifact row. Cross-workspace reads and tombstones fail
// NOT_FOUND; a hash mismatch fails INTEGRITY_ERROR.
func (s *Store) Get(ctx context.Context, workspaceID, artifactID uuid.UUID) ([]byte, core.Artifact, error) {
	artifact, err := s.lookup(ctx, workspaceID, artifactID)
	if err != nil {
		return nil, core.Artifact{}, err
	}

	rc, err := s.objects.Read(artifact.StorageKey)
	if err != nil {
		return nil, core.Artifact{}, core.Wrap(core.CodeNotFound, err, "artifact %s bytes unavailable", artifactID)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, core.Artifact{}, fmt.Errorf("read artifact %s: %w", artifactID, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != artifact.SHA256 {
		return nil, core.Artifact{}, core.E(core.CodeIntegrityError,
			"artifact %s bytes do not match recorded sha256", artifactID)
	}
	return data, *artifact, nil
}

// Open streams the artifact without buffering it in memory. Callers
// that need integrity verification use Get.
func (s *Store) Open(ctx context.Context, workspaceID, artifactID uuid.UUID) (io.ReadCloser, core.Artifact, error) {
	artifact, err := s.lookup(ctx, workspaceID, artifactID)
	if err != nil {
		return nil, core.Artifact{}, err
	}
	rc, err := s.objects.Read(artifact.StorageKey)
	if err != nil {
		return nil, core.Artifact{}, core.Wrap(core.CodeNotFound, err, "artifact %s bytes unavailable", artifactID)
	}
	return rc, *artifact, nil
}

// LookupBySHA finds a live artifact with the given content hash inside
// the workspace; a miss returns (nil, nil).
func (s *Store) LookupBySHA(ctx context.Context, workspaceID uuid.UUID, sha string) (*core.Artifact, error) {
	return s.meta.LookupArtifactBySHA(ctx, workspaceID, sha)
}

// Describe returns the artifact row with the same tenancy rules as Get.
func (s *Store) Describe(ctx context.Context, workspaceID, artifactID uuid.UUID) (core.Artifact, error) {
	a, err := s.lookup(ctx, workspaceID, artifactID)
	if err != nil {
		return core.Artifact{}, err
	}
	return *a, nil
}

// ExtendRetention pushes an artifact's expiry out, used when a bundle
// references it.
func (s *Store) ExtendRetention(ctx context.Context, artifactID uuid.UUID, until time.Time) error {
	return s.meta.ExtendArtifactExpiry(ctx, artifactID, until)
}

// ExpireOlderThan deletes the bytes of artifacts expired before cutoff
// and tombstones their rows. Bytes shared with a still-live artifact
// under the same storage key are kept. Returns the tombstone count.
func (s *Store) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	expired, err := s.meta.ListExpiredArtifacts(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, a := range expired {
		if err := s.meta.TombstoneArtifact(ctx, a.ID); err != nil {
			return count, err
		}
		live, err := s.meta.CountLiveByStorageKey(ctx, a.StorageKey)
		if err != nil {
			return count, err
		}
		if live == 0 {
			if err := s.objects.Delete(a.StorageKey); err != nil {
				return count, err
			}
		}
		count++
	}
	return count, nil
}

// lookup applies the tenancy rule: an artifact belonging to another
// workspace is indistinguishable from a missing one.
func (s *Store) lookup(ctx context.Context, workspaceID, artifactID uuid.UUID) (*core.Artifact, error) {
	artifact, err := s.meta.GetArtifact(ctx, workspaceID, artifactID)
	if err != nil {
		return nil, err
	}
	if artifact.WorkspaceID != workspaceID {
		return nil, core.E(core.CodeNotFound, "artifact %s not found", artifactID)
	}
	if artifact.Tombstoned {
		return nil, core.E(core.CodeNotFound, "artifact %s expired", artifactID)
	}
	return artifact, nil
}
