package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ength/aiagent-console/internal/util/sanitize"
)

// openLogFile creates an append-mode log file under
// <logDir>/YYYY-MM/DD/HHMMSS_<agent>_<tab>_<sanitizedWorkDir>.log.
func openLogFile(logDir, agentName, tabName, workDir string) (*os.File, string, error) {
	now := time.Now()
	dir := filepath.Join(logDir, now.Format("2006-01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create log dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%s_%s.log",
		now.Format("150405"), agentName, tabName, sanitize.PathComponent(workDir))
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("open log file: %w", err)
	}
	return f, path, nil
}

// compressLog gzips a closed log file in place (.log -> .log.gz) and
// removes the original. Best effort; the uncompressed file survives any
// failure.
func compressLog(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		_ = gw.Close()
		_ = dst.Close()
		_ = os.Remove(path + ".gz")
		return err
	}
	if err := gw.Close(); err != nil {
		_ = dst.Close()
		_ = os.Remove(path + ".gz")
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path + ".gz")
		return err
	}

	return os.Remove(path)
}
