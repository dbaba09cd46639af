package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

const (
	contentTypeJSONL = "application/x-ndjson"
	archivePageSize  = 500
	archivePrefix    = "archive/positions/"
	archiveDayLayout = "2006/01/02"
)

// Archiver exports closed positions to object storage as one JSONL file per
// UTC day. Records are never deleted from the primary store here.
type Archiver struct {
	sink      domain.ArchiveSink
	source    domain.ArchiveSource
	positions domain.ClosedLister
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(
	sink domain.ArchiveSink,
	source domain.ArchiveSource,
	positions domain.ClosedLister,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		sink:      sink,
		source:    source,
		positions: positions,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveDay uploads every position closed during the UTC day containing
// day and returns how many were written. A day that already has an archive
// object is skipped unless overwrite is set.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time, overwrite bool) (int, error) {
	since := day.UTC().Truncate(24 * time.Hour)
	until := since.Add(24 * time.Hour)
	path := ArchivePath(since)

	if !overwrite {
		exists, err := a.source.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s: %w", path, err)
		}
		if exists {
			a.logger.InfoContext(ctx, "archiver: already archived", slog.String("path", path))
			return 0, nil
		}
	}

	var (
		buf   bytes.Buffer
		count int
	)
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for offset := 0; ; offset += archivePageSize {
		page, err := a.positions.ListClosed(ctx, domain.ListOpts{
			Limit:  archivePageSize,
			Offset: offset,
			Since:  &since,
			Until:  &until,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s: list closed: %w", path, err)
		}
		for _, p := range page {
			if err := enc.Encode(p); err != nil {
				return 0, fmt.Errorf("s3blob: archive %s: encode %s: %w", path, p.ID, err)
			}
		}
		count += len(page)
		if len(page) < archivePageSize {
			break
		}
	}
	if count == 0 {
		return 0, nil
	}

	if err := a.sink.Upload(ctx, path, &buf, int64(buf.Len())); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", path, err)
	}

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":  path,
		"count": count,
		"day":   since.Format(time.DateOnly),
	}); err != nil {
		a.logger.WarnContext(ctx, "archiver: audit log failed", slog.String("error", err.Error()))
	}
	a.logger.InfoContext(ctx, "archiver: day archived",
		slog.String("path", path),
		slog.Int("count", count),
	)
	return count, nil
}

// RunDaily archives the previous UTC day every day at midnight plus at,
// until ctx ends. Failures are logged and retried at the next run.
func (a *Archiver) RunDaily(ctx context.Context, at time.Duration) error {
	for {
		next := nextDailyRun(time.Now().UTC(), at)
		a.logger.InfoContext(ctx, "archiver: waiting for next run", slog.Time("next_run", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := a.ArchiveDay(ctx, next.AddDate(0, 0, -1), false); err != nil {
				a.logger.ErrorContext(ctx, "archiver: daily run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// nextDailyRun returns the first midnight+at strictly after now.
func nextDailyRun(now time.Time, at time.Duration) time.Time {
	next := now.Truncate(24 * time.Hour).Add(at)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// ReadDay decodes the archive for the UTC day containing day.
func (a *Archiver) ReadDay(ctx context.Context, day time.Time) ([]domain.ManagedPosition, error) {
	path := ArchivePath(day)
	body, err := a.source.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read %s: %w", path, err)
	}
	defer body.Close()

	var out []domain.ManagedPosition
	dec := json.NewDecoder(body)
	for {
		var p domain.ManagedPosition
		if err := dec.Decode(&p); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("s3blob: read %s: record %d: %w", path, len(out)+1, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ArchivedDays lists the days that have an archive, oldest first. Keys
// outside the archive layout are ignored.
func (a *Archiver) ArchivedDays(ctx context.Context) ([]time.Time, error) {
	objects, err := a.source.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("s3blob: archived days: %w", err)
	}
	days := make([]time.Time, 0, len(objects))
	for _, obj := range objects {
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, archivePrefix), ".jsonl")
		day, err := time.Parse(archiveDayLayout, name)
		if err != nil {
			continue
		}
		days = append(days, day)
	}
	slices.SortFunc(days, func(x, y time.Time) int { return x.Compare(y) })
	return days, nil
}

// ArchivePath is the object key for a day's archive, e.g.
// archive/positions/2025/01/31.jsonl.
func ArchivePath(day time.Time) string {
	return archivePrefix + day.UTC().Format(archiveDayLayout) + ".jsonl"
}
