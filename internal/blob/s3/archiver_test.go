package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/alanyoungcy/stakeledger/internal/store/memory"
)

type memBlob struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart int
	failPut   error
}

func newMemBlob() *memBlob {
	return &memBlob{objects: make(map[string][]byte)}
}

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if m.failPut != nil {
		return m.failPut
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.mu.Lock()
	m.multipart++
	m.mu.Unlock()
	return m.Put(ctx, path, data, jsonlContentType)
}

func (m *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlob) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	return out, nil
}

func (m *memBlob) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memBlob) lines(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Split(strings.TrimSpace(string(m.objects[path])), "\n")
}

var archiveOwner = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func seedSettled(t *testing.T, store *memory.StakeStore, settledAt ...time.Time) {
	t.Helper()
	ctx := context.Background()
	for _, at := range settledAt {
		pos, err := store.Open(ctx, domain.StakePosition{
			Owner:     archiveOwner,
			Principal: uint256.NewInt(100),
			APRAtOpen: 500,
			StartTime: at.Add(-30 * 24 * time.Hour),
		})
		require.NoError(t, err)
		require.NoError(t, store.Settle(ctx, domain.Settlement{
			PositionID: pos.ID,
			Owner:      archiveOwner,
			Kind:       domain.ExitUnstake,
			Principal:  uint256.NewInt(100),
			Reward:     uint256.NewInt(4),
			Penalty:    uint256.NewInt(0),
			Payout:     uint256.NewInt(104),
			SettledAt:  at,
		}))
	}
}

func TestArchivePath(t *testing.T) {
	at := time.Date(2026, 3, 31, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	assert.Equal(t, "archive/positions/2026-04.jsonl", archivePath("positions", at))
}

func TestArchiveSettled_GroupsByMonth(t *testing.T) {
	ctx := context.Background()
	blob := newMemBlob()
	stakes := memory.NewStakeStore()
	audit := memory.NewAuditStore()

	seedSettled(t, stakes,
		time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
	)

	a := NewArchiver(blob, blob, stakes, audit, slog.Default())
	n, err := a.ArchiveSettled(ctx, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	jan := blob.lines("archive/positions/2026-01.jsonl")
	require.Len(t, jan, 2)
	assert.Contains(t, jan[0], `"id":1`)
	assert.Contains(t, jan[1], `"id":2`)
	assert.Len(t, blob.lines("archive/positions/2026-02.jsonl"), 1)
	_, err = blob.Get(ctx, "archive/positions/2026-03.jsonl")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.positions", entries[0].Event)
	assert.Equal(t, 3, entries[0].Detail["count"])
}

func TestArchiveSettled_IdempotentMerge(t *testing.T) {
	ctx := context.Background()
	blob := newMemBlob()
	stakes := memory.NewStakeStore()
	audit := memory.NewAuditStore()
	a := NewArchiver(blob, blob, stakes, audit, slog.Default())
	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	seedSettled(t, stakes, time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	_, err := a.ArchiveSettled(ctx, cutoff)
	require.NoError(t, err)

	seedSettled(t, stakes, time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC))
	n, err := a.ArchiveSettled(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Len(t, blob.lines("archive/positions/2026-01.jsonl"), 2)
}

func TestArchiveSettled_NothingToArchive(t *testing.T) {
	blob := newMemBlob()
	audit := memory.NewAuditStore()
	a := NewArchiver(blob, nil, memory.NewStakeStore(), audit, slog.Default())

	n, err := a.ArchiveSettled(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blob.objects)

	entries, err := audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArchiveSettled_UploadFailure(t *testing.T) {
	blob := newMemBlob()
	blob.failPut = errors.New("bucket gone")
	stakes := memory.NewStakeStore()
	seedSettled(t, stakes, time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))

	a := NewArchiver(blob, blob, stakes, memory.NewAuditStore(), slog.Default())
	_, err := a.ArchiveSettled(context.Background(), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
}

func TestArchiveAudit(t *testing.T) {
	ctx := context.Background()
	blob := newMemBlob()
	audit := memory.NewAuditStore()
	require.NoError(t, audit.Log(ctx, "stake", map[string]any{"id": 1}))
	require.NoError(t, audit.Log(ctx, "unstake", map[string]any{"id": 1}))

	a := NewArchiver(blob, blob, memory.NewStakeStore(), audit, slog.Default())
	n, err := a.ArchiveAudit(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	path := archivePath("audit", time.Now())
	lines := blob.lines(path)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"event":"stake"`)
	assert.Contains(t, lines[1], `"event":"unstake"`)

	entries, err := audit.List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "archive.audit", entries[0].Event)
}

func TestMergeJSONL_ReplacesByID(t *testing.T) {
	existing := []byte("{\"id\":2,\"v\":\"old\"}\n{\"id\":10,\"v\":\"keep\"}\n")
	type rec struct {
		ID int    `json:"id"`
		V  string `json:"v"`
	}
	out, err := mergeJSONL(existing, []rec{{ID: 2, V: "new"}, {ID: 3, V: "add"}})
	require.NoError(t, err)
	assert.Equal(t,
		"{\"id\":2,\"v\":\"new\"}\n{\"id\":3,\"v\":\"add\"}\n{\"id\":10,\"v\":\"keep\"}\n",
		string(out))

	_, err = mergeJSONL([]byte("{\"v\":1}\n"), []rec{})
	assert.Error(t, err)
}

func TestUpload_UsesMultipartForLargePayloads(t *testing.T) {
	blob := newMemBlob()
	a := NewArchiver(blob, nil, memory.NewStakeStore(), memory.NewAuditStore(), slog.Default())

	require.NoError(t, a.upload(context.Background(), "small", []byte("x")))
	assert.Zero(t, blob.multipart)

	require.NoError(t, a.upload(context.Background(), "big", make([]byte, multipartThreshold)))
	assert.Equal(t, 1, blob.multipart)
}

func TestClientKeys(t *testing.T) {
	c := &Client{bucket: "b", prefix: "prod/ledger"}
	assert.Equal(t, "prod/ledger/archive/a.jsonl", c.objectKey("/archive/a.jsonl"))
	assert.Equal(t, "archive/a.jsonl", c.logicalPath("prod/ledger/archive/a.jsonl"))

	bare := &Client{bucket: "b"}
	assert.Equal(t, "archive/a.jsonl", bare.objectKey("archive/a.jsonl"))
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://r2.example.com", normaliseEndpoint("https://r2.example.com", false))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	assert.Error(t, err)
	_, err = New(context.Background(), ClientConfig{Bucket: "b"})
	assert.Error(t, err)
}
