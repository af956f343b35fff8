// Package store keeps finished exports. Every export is written to a local spool
// directory; an S3-compatible mirror and a PostgreSQL run history are optional.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opendatalabs/databridge/internal/logging"
	"github.com/opendatalabs/databridge/internal/runner"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// ErrNotConfigured is returned by constructors whose backend has no settings.
var ErrNotConfigured = errors.New("store: not configured")

// StatusCompleted is recorded for runs that produced a result.
const StatusCompleted = "completed"

// Record is one row of run history.
type Record struct {
	RunID      string    `json:"runId"`
	PlatformID string    `json:"platformId"`
	Company    string    `json:"company"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	FinishedAt time.Time `json:"finishedAt"`
	ObjectKey  string    `json:"objectKey,omitempty"`
}

// Uploader mirrors export documents. *ObjectMirror implements it.
type Uploader interface {
	PutExport(ctx context.Context, key string, data []byte) (string, error)
}

// RunRecorder records finished runs. *RunHistory implements it.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec Record) error
}

// Archive writes exports to the spool and forwards them to the optional backends.
type Archive struct {
	spoolDir string
	uploader Uploader
	recorder RunRecorder
	log      *log.Entry
	mu       sync.Mutex
}

// ArchiveOption customizes an Archive.
type ArchiveOption func(*Archive)

// WithUploader mirrors every export through u.
func WithUploader(u Uploader) ArchiveOption { return func(a *Archive) { a.uploader = u } }

// WithRunRecorder records every export through r.
func WithRunRecorder(r RunRecorder) ArchiveOption { return func(a *Archive) { a.recorder = r } }

// NewArchive creates the spool directory and returns an archive writing into it.
func NewArchive(spoolDir string, opts ...ArchiveOption) (*Archive, error) {
	spoolDir = strings.TrimSpace(spoolDir)
	if spoolDir == "" {
		return nil, fmt.Errorf("archive: spool directory: %w", ErrNotConfigured)
	}
	abs, err := filepath.Abs(spoolDir)
	if err != nil {
		return nil, fmt.Errorf("archive: resolve spool directory: %w", err)
	}
	if err = os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("archive: create spool directory: %w", err)
	}
	a := &Archive{spoolDir: abs, log: logging.Component("archive")}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// SpoolDir returns the absolute spool directory.
func (a *Archive) SpoolDir() string { return a.spoolDir }

// SpoolPath returns where the export of one run is written.
func (a *Archive) SpoolPath(platformID, runID string) string {
	return filepath.Join(a.spoolDir, safeSegment(platformID), safeSegment(runID)+".json")
}

// SaveExport stores exp. The spool write must succeed; backend failures are joined into
// the returned error after every backend was tried.
func (a *Archive) SaveExport(ctx context.Context, exp runner.Export) error {
	doc, err := exportDocument(exp)
	if err != nil {
		return fmt.Errorf("archive: build document: %w", err)
	}
	dest := a.SpoolPath(exp.PlatformID, exp.RunID)

	a.mu.Lock()
	err = writeFileAtomic(dest, doc)
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("archive: write %s: %w", dest, err)
	}
	entry := a.log.WithField("run_id", exp.RunID)
	entry.Debugf("export written to %s", dest)

	var errs []error
	var objectKey string
	if a.uploader != nil {
		if objectKey, err = a.uploader.PutExport(ctx, ExportKey(exp.PlatformID, exp.RunID), doc); err != nil {
			errs = append(errs, err)
		} else {
			entry.Debugf("export mirrored to %s", objectKey)
		}
	}
	if a.recorder != nil {
		rec := Record{
			RunID:      exp.RunID,
			PlatformID: exp.PlatformID,
			Company:    exp.Company,
			Name:       exp.Name,
			Status:     StatusCompleted,
			FinishedAt: exp.FinishedAt,
			ObjectKey:  objectKey,
		}
		if err = a.recorder.RecordRun(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func exportDocument(exp runner.Export) ([]byte, error) {
	doc := []byte(`{}`)
	var err error
	for _, kv := range []struct {
		key   string
		value any
	}{
		{"runId", exp.RunID},
		{"platformId", exp.PlatformID},
		{"company", exp.Company},
		{"name", exp.Name},
		{"exportedAt", exp.FinishedAt.UTC().Format(time.RFC3339Nano)},
	} {
		if doc, err = sjson.SetBytes(doc, kv.key, kv.value); err != nil {
			return nil, err
		}
	}
	data := []byte(exp.Data)
	if len(data) == 0 {
		data = []byte(`null`)
	}
	return sjson.SetRawBytes(doc, "data", data)
}

func writeFileAtomic(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".export-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// safeSegment turns an id into a single path segment.
func safeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" || s == "." {
		return "unknown"
	}
	return s
}
