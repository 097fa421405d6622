package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/backend/internal/core"
)

// memMeta is a minimal MetaStore for store tests.
type memMeta struct {
	mu   sync.Mutex
	rows map[uuid.UUID]core.Artifact
}

func newMemMeta() *memMeta {
	return &memMeta{rows: map[uuid.UUID]core.Artifact{}}
}

func (m *memMeta) InsertArtifact(_ context.Context, a core.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[a.ID] = a
	return nil
}

func (m *memMeta) GetArtifact(_ context.Context, workspaceID, artifactID uuid.UUID) (*core.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[artifactID]
	if !ok || a.WorkspaceID != workspaceID {
		return nil, core.E(core.CodeNotFound, "artifact %s not found", artifactID)
	}
	copied := a
	return &copied, nil
}

func (m *memMeta) LookupArtifactBySHA(_ context.Context, workspaceID uuid.UUID, sha string) (*core.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows {
		if a.WorkspaceID == workspaceID && a.SHA256 == sha && !a.Tombstoned {
			copied := a
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memMeta) ListExpiredArtifacts(_ context.Context, cutoff time.Time) ([]core.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Artifact
	for _, a := range m.rows {
		if !a.Tombstoned && a.ExpiresAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memMeta) TombstoneArtifact(_ context.Context, artifactID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.rows[artifactID]
	a.Tombstoned = true
	m.rows[artifactID] = a
	return nil
}

func (m *memMeta) CountLiveByStorageKey(_ context.Context, storageKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.rows {
		if a.StorageKey == storageKey && !a.Tombstoned {
			n++
		}
	}
	return n, nil
}

func (m *memMeta) ExtendArtifactExpiry(_ context.Context, artifactID uuid.UUID, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[artifactID]
	if !ok {
		return core.E(core.CodeNotFound, "artifact %s not found", artifactID)
	}
	if until.After(a.ExpiresAt) {
		a.ExpiresAt = until
		m.rows[artifactID] = a
	}
	return nil
}

func newTestStore() (*Store, *memMeta, *MemBackend) {
	meta := newMemMeta()
	objects := NewMemBackend()
	return New(meta, objects, core.DefaultLimits()), meta, objects
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	store, _, _ := newTestStore()
	ws := uuid.New()
	data := []byte("onnx model bytes")

	artifact, err := store.Put(context.Background(), ws, core.ArtifactModel, data, "model.zip")
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), artifact.SHA256)
	assert.Equal(t, int64(len(data)), artifact.Bytes)

	got, gotArtifact, err := store.Get(context.Background(), ws, artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, artifact.ID, gotArtifact.ID)
}

func TestStore_DedupeSameBytesSameWorkspace(t *testing.T) {
	store, _, objects := newTestStore()
	ws := uuid.New()
	data := []byte("identical payload")

	first, err := store.Put(context.Background(), ws, core.ArtifactModel, data, "a.zip")
	require.NoError(t, err)
	second, err := store.Put(context.Background(), ws, core.ArtifactModel, data, "b.zip")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same bytes in same workspace dedupe")
	assert.Len(t, objects.Keys("artifacts/"), 1)
	assert.Empty(t, objects.Keys("staging/"), "staging objects must be cleaned up")
}

func TestStore_SameBytesDifferentWorkspacesAreSeparateArtifacts(t *testing.T) {
	store, _, _ := newTestStore()
	wsA, wsB := uuid.New(), uuid.New()
	data := []byte("shared bytes")

	a, err := store.Put(context.Background(), wsA, core.ArtifactModel, data, "m.zip")
	require.NoError(t, err)
	b, err := store.Put(context.Background(), wsB, core.ArtifactModel, data, "m.zip")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.SHA256, b.SHA256)
}

func TestStore_CrossWorkspaceReadIsNotFound(t *testing.T) {
	store, _, _ := newTestStore()
	owner, intruder := uuid.New(), uuid.New()

	artifact, err := store.Put(context.Background(), owner, core.ArtifactModel, []byte("private"), "m.zip")
	require.NoError(t, err)

	_, _, err = store.Get(context.Background(), intruder, artifact.ID)
	require.Error(t, err)
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err),
		"cross-workspace access must be indistinguishable from missing")
}

func TestStore_ModelUploadSizeLimit(t *testing.T) {
	store, _, _ := newTestStore()
	ws := uuid.New()
	limit := core.DefaultLimits().ModelUploadBytes

	// Declared size over the cap fails before any bytes are read.
	_, err := store.PutStream(context.Background(), ws, core.ArtifactModel,
		bytes.NewReader(nil), limit+1, "huge.zip")
	require.Error(t, err)
	assert.Equal(t, core.CodeLimitExceeded, core.CodeOf(err))

	// Declared size at the cap is accepted.
	small := []byte("fits")
	_, err = store.PutStream(context.Background(), ws, core.ArtifactModel,
		bytes.NewReader(small), limit, "ok.zip")
	// Stream is shorter than declared; only the limit check uses declared size.
	require.NoError(t, err)

	// A stream that lies about its size is caught on the observed length.
	big := bytes.Repeat([]byte("x"), 1024)
	store.limits.ModelUploadBytes = 512
	_, err = store.PutStream(context.Background(), ws, core.ArtifactModel,
		bytes.NewReader(big), 100, "liar.zip")
	require.Error(t, err)
	assert.Equal(t, core.CodeLimitExceeded, core.CodeOf(err))
}

func TestStore_NonModelKindsSkipSizeLimit(t *testing.T) {
	store, _, _ := newTestStore()
	store.limits.ModelUploadBytes = 8
	ws := uuid.New()

	_, err := store.Put(context.Background(), ws, core.ArtifactProbeRaw,
		bytes.Repeat([]byte("y"), 64), "probe.json")
	require.NoError(t, err)
}

func TestStore_IntegrityVerificationOnGet(t *testing.T) {
	store, _, objects := newTestStore()
	ws := uuid.New()

	artifact, err := store.Put(context.Background(), ws, core.ArtifactModel, []byte("original"), "m.zip")
	require.NoError(t, err)

	// Corrupt the stored bytes behind the store's back.
	_, err = objects.Write(artifact.StorageKey, bytes.NewReader([]byte("corrupted")))
	require.NoError(t, err)

	_, _, err = store.Get(context.Background(), ws, artifact.ID)
	require.Error(t, err)
	assert.Equal(t, core.CodeIntegrityError, core.CodeOf(err))
}

func TestStore_ExpiryTombstonesRowAndDeletesBytes(t *testing.T) {
	store, meta, objects := newTestStore()
	ws := uuid.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return base })

	artifact, err := store.Put(context.Background(), ws, core.ArtifactModel, []byte("old"), "m.zip")
	require.NoError(t, err)

	n, err := store.ExpireOlderThan(context.Background(), base.Add(DefaultRetention+time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Row survives as a tombstone; bytes are gone; reads are NOT_FOUND.
	row := meta.rows[artifact.ID]
	assert.True(t, row.Tombstoned)
	assert.Empty(t, objects.Keys("artifacts/"))

	_, _, err = store.Get(context.Background(), ws, artifact.ID)
	require.Error(t, err)
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
}

func TestStore_ExpiryKeepsBytesSharedWithLiveArtifact(t *testing.T) {
	store, meta, objects := newTestStore()
	wsA, wsB := uuid.New(), uuid.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return base })

	data := []byte("shared across workspaces")
	expired, err := store.Put(context.Background(), wsA, core.ArtifactModel, data, "m.zip")
	require.NoError(t, err)
	live, err := store.Put(context.Background(), wsB, core.ArtifactModel, data, "m.zip")
	require.NoError(t, err)
	require.Equal(t, expired.StorageKey, live.StorageKey)

	// Push the second artifact's expiry past the cutoff.
	require.NoError(t, store.ExtendRetention(context.Background(), live.ID,
		base.Add(2*DefaultRetention)))

	n, err := store.ExpireOlderThan(context.Background(), base.Add(DefaultRetention+time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, meta.rows[expired.ID].Tombstoned)
	assert.False(t, meta.rows[live.ID].Tombstoned)
	assert.Len(t, objects.Keys("artifacts/"), 1, "shared bytes stay while a live row references them")

	got, _, err := store.Get(context.Background(), wsB, live.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
