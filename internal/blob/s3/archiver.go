package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"

	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 2 * minPartSize
)

// SettledSource is the narrow query the archiver needs from the stake store.
type SettledSource interface {
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.StakePosition, error)
}

// Archiver implements domain.Archiver. Records are grouped by calendar month
// (UTC) into archive/<kind>/YYYY-MM.jsonl. When an object for the month
// already exists its records are merged by id, so repeated runs over the
// same window are idempotent.
//
// Archived rows are not removed from the primary store.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	stakes SettledSource
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver. reader may be nil, in which case
// existing month objects are overwritten instead of merged.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	stakes SettledSource,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		stakes: stakes,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveSettled writes every position settled before the cutoff and
// returns how many records were written.
func (a *Archiver) ArchiveSettled(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.stakes.ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list settled positions: %w", err)
	}
	paths, err := archiveMonthly(ctx, a, "positions", positions, func(p domain.StakePosition) time.Time {
		if p.SettledAt != nil {
			return *p.SettledAt
		}
		return p.StartTime
	})
	if err != nil {
		return 0, err
	}
	return a.finish(ctx, "positions", paths, len(positions), before)
}

// ArchiveAudit writes every audit entry created before the cutoff. Entries
// produced by earlier archive runs are included.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	until := before.Add(-time.Nanosecond)
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &until})
	if err != nil {
		return 0, fmt.Errorf("s3blob: list audit entries: %w", err)
	}
	paths, err := archiveMonthly(ctx, a, "audit", entries, func(e domain.AuditEntry) time.Time {
		return e.CreatedAt
	})
	if err != nil {
		return 0, err
	}
	return a.finish(ctx, "audit", paths, len(entries), before)
}

func (a *Archiver) finish(ctx context.Context, kind string, paths []string, count int, before time.Time) (int64, error) {
	if count == 0 {
		a.logger.DebugContext(ctx, "nothing to archive", slog.String("kind", kind))
		return 0, nil
	}
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"paths":  paths,
		"count":  count,
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		a.logger.WarnContext(ctx, "archive audit log failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
	a.logger.InfoContext(ctx, "archive complete",
		slog.String("kind", kind),
		slog.Int("count", count),
		slog.Int("objects", len(paths)),
	)
	return int64(count), nil
}

// archiveMonthly groups records by month and writes one object per month.
// It returns the written paths in order.
func archiveMonthly[T any](ctx context.Context, a *Archiver, kind string, records []T, at func(T) time.Time) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	byMonth := make(map[string][]T)
	for _, r := range records {
		p := archivePath(kind, at(r))
		byMonth[p] = append(byMonth[p], r)
	}
	paths := make([]string, 0, len(byMonth))
	for p := range byMonth {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		existing, err := a.load(ctx, p)
		if err != nil {
			return nil, err
		}
		data, err := mergeJSONL(existing, byMonth[p])
		if err != nil {
			return nil, fmt.Errorf("s3blob: encode %s: %w", p, err)
		}
		if err := a.upload(ctx, p, data); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// load returns the current object at path, or nil when there is none.
func (a *Archiver) load(ctx context.Context, path string) ([]byte, error) {
	if a.reader == nil {
		return nil, nil
	}
	body, err := a.reader.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("s3blob: read existing archive %s: %w", path, err)
	}
	defer body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		return nil, fmt.Errorf("s3blob: read existing archive %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

func (a *Archiver) upload(ctx context.Context, path string, data []byte) error {
	var err error
	if len(data) >= int(multipartThreshold) {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(data), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(data), jsonlContentType)
	}
	if err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", path, err)
	}
	return nil
}

// archivePath returns archive/<kind>/YYYY-MM.jsonl for the month of t.
func archivePath(kind string, t time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, t.UTC().Format("2006-01"))
}

// mergeJSONL combines existing JSONL lines with records, keyed by each
// line's "id" field. New records replace existing lines with the same id.
// Output is ordered by id.
func mergeJSONL[T any](existing []byte, records []T) ([]byte, error) {
	lines := make(map[string][]byte)

	sc := bufio.NewScanner(bytes.NewReader(existing))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		id, err := lineID(line)
		if err != nil {
			return nil, err
		}
		lines[id] = append([]byte(nil), line...)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		id, err := lineID(line)
		if err != nil {
			return nil, err
		}
		lines[id] = line
	}

	ids := make([]string, 0, len(lines))
	for id := range lines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})

	var buf bytes.Buffer
	for _, id := range ids {
		buf.Write(lines[id])
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func lineID(line []byte) (string, error) {
	var k struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &k); err != nil {
		return "", err
	}
	if len(k.ID) == 0 {
		return "", fmt.Errorf("record has no id")
	}
	return string(k.ID), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
