package logging

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const logDirCleanerInterval = time.Minute

var stopCleaner context.CancelFunc

// logDirCleaner trims a logs directory to a byte budget. Rotated and compressed *.log files
// go oldest first; keep is never removed.
type logDirCleaner struct {
	dir      string
	maxBytes int64
	keep     string
}

type logFile struct {
	path string
	size int64
	mod  time.Time
}

// configureLogDirCleanerLocked replaces the running cleaner. Callers hold sinks.mu.
func configureLogDirCleanerLocked(dir string, maxTotalSizeMB int, keep string) {
	stopLogDirCleanerLocked()
	dir = strings.TrimSpace(dir)
	if maxTotalSizeMB <= 0 || dir == "" {
		return
	}
	c := &logDirCleaner{dir: filepath.Clean(dir), maxBytes: int64(maxTotalSizeMB) << 20}
	if keep = strings.TrimSpace(keep); keep != "" {
		c.keep = filepath.Clean(keep)
	}
	ctx, cancel := context.WithCancel(context.Background())
	stopCleaner = cancel
	go c.loop(ctx, logDirCleanerInterval)
}

func stopLogDirCleanerLocked() {
	if stopCleaner != nil {
		stopCleaner()
		stopCleaner = nil
	}
}

func (c *logDirCleaner) loop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	l := Component("logging")
	for {
		switch removed, err := c.sweep(); {
		case err != nil:
			l.WithError(err).Warn("log directory sweep failed")
		case removed > 0:
			l.Debugf("removed %d old log file(s) from %s", removed, c.dir)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweep reports how many files it removed. A missing directory is not an error.
func (c *logDirCleaner) sweep() (int, error) {
	if c.maxBytes <= 0 || c.dir == "" {
		return 0, nil
	}
	files, total, err := c.scan()
	if err != nil || total <= c.maxBytes {
		return 0, err
	}
	slices.SortFunc(files, func(a, b logFile) int { return a.mod.Compare(b.mod) })

	removed := 0
	for _, f := range files {
		if total <= c.maxBytes {
			break
		}
		if f.path == c.keep {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			log.WithError(err).Warnf("cannot remove old log file %s", filepath.Base(f.path))
			continue
		}
		total -= f.size
		removed++
	}
	return removed, nil
}

func (c *logDirCleaner) scan() ([]logFile, int64, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var files []logFile
	var total int64
	for _, e := range entries {
		if !e.Type().IsRegular() || !isLogFileName(e.Name()) {
			continue
		}
		info, errInfo := e.Info()
		if errInfo != nil {
			continue
		}
		files = append(files, logFile{path: filepath.Join(c.dir, e.Name()), size: info.Size(), mod: info.ModTime()})
		total += info.Size()
	}
	return files, total, nil
}

func isLogFileName(name string) bool {
	name = strings.ToLower(name)
	return strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".log.gz")
}
