package cluster

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// peersFile is the on-disk layout:
//
//	[[member]]
//	id = "node-a"
//	addr = "10.0.0.1:9190"
type peersFile struct {
	Members []Member `toml:"member"`
}

// FileProvider reads members from a TOML file and reloads it when the file
// changes on disk.
type FileProvider struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	members []Member

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// NewFileProvider loads path. The file must parse; later reload failures
// keep the last good list.
func NewFileProvider(path string, logger *zap.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &FileProvider{path: path, logger: logger}
	members, err := loadPeersFile(path)
	if err != nil {
		return nil, err
	}
	p.members = members
	return p, nil
}

func loadPeersFile(path string) ([]Member, error) {
	var f peersFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("loading peers file %s: %w", path, err)
	}
	for i, m := range f.Members {
		if m.ID == "" {
			return nil, fmt.Errorf("peers file %s: member %d has no id", path, i)
		}
	}
	return f.Members, nil
}

// Members returns the last successfully loaded list.
func (p *FileProvider) Members(context.Context) ([]Member, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Member, len(p.members))
	copy(out, p.members)
	return out, nil
}

// Reload re-reads the file now.
func (p *FileProvider) Reload() error {
	members, err := loadPeersFile(p.path)
	if err != nil {
		p.logger.Warn("peers file reload failed, keeping previous list", zap.Error(err))
		return err
	}
	p.mu.Lock()
	p.members = members
	p.mu.Unlock()
	p.logger.Debug("peers file reloaded", zap.String("path", p.path), zap.Int("members", len(members)))
	return nil
}

// Watch starts reloading on file changes until ctx is done or Close is
// called. The parent directory is watched so editors that replace the file
// by rename are picked up.
func (p *FileProvider) Watch(ctx context.Context) error {
	if p.watcher != nil {
		return errors.New("peers file already watched")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating peers file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(p.path), err)
	}
	p.watcher = w
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.processEvents(ctx)
	return nil
}

func (p *FileProvider) processEvents(ctx context.Context) {
	defer close(p.done)
	target := filepath.Clean(p.path)
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				_ = p.Reload()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("peers file watcher error", zap.Error(err))
		}
	}
}

// Close stops watching.
func (p *FileProvider) Close() error {
	if p.watcher == nil {
		return nil
	}
	select {
	case <-p.stop:
		return nil
	default:
		close(p.stop)
	}
	err := p.watcher.Close()
	<-p.done
	return err
}
