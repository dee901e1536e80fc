package snapshot

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// maxSnapshotSize bounds how much Load will read.
const maxSnapshotSize = 512 << 20

// FileStore keeps the snapshot in a single file.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore returns a file backend writing to path. The parent directory
// is created with 0700 if needed.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("snapshot path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Path returns the snapshot file path.
func (f *FileStore) Path() string { return f.path }

// Save writes to a temp file beside the target, fsyncs and renames it into
// place. The temp file is removed on any failure.
func (f *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	tmpPath := f.path + ".tmp." + randomSuffix()
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp snapshot: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file. A missing file is an empty snapshot. A
// corrupt file is moved aside to <path>.corrupt-<unix> so the next save
// does not overwrite it, and ErrCorruptSnapshot is returned.
func (f *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(file, maxSnapshotSize+1))
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	if len(data) > maxSnapshotSize {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrCorruptSnapshot, maxSnapshotSize)
	}

	snap, err := Decode(data)
	if err != nil {
		f.quarantine()
		return nil, err
	}
	return snap, nil
}

func (f *FileStore) quarantine() {
	dest := fmt.Sprintf("%s.corrupt-%d", f.path, time.Now().Unix())
	if err := os.Rename(f.path, dest); err != nil {
		f.logger.Warn("failed to quarantine corrupt snapshot", zap.String("path", f.path), zap.Error(err))
		return
	}
	f.logger.Warn("quarantined corrupt snapshot", zap.String("path", f.path), zap.String("moved_to", dest))
}

// Close is a no-op for the file backend.
func (f *FileStore) Close() error { return nil }

func randomSuffix() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
