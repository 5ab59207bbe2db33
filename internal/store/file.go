package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/smallbiznis/session-kit/internal/domain"
)

// FileStore persists the session as a single JSON record on disk. The record
// is replaced atomically (temp file + rename), and an fsnotify watcher on the
// parent directory surfaces mutations made by other processes.
type FileStore struct {
	path     string
	writerID string
	logger   *zap.Logger

	local    *notifier
	external *notifier
	watcher  *fsnotify.Watcher

	// ownRemoves counts Clear calls issued by this instance so the watcher
	// can tell its own remove events apart from another process's logout.
	ownRemoves atomic.Int32

	closeOnce sync.Once
	done      chan struct{}
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (or creates the directory for) the session file at path
// and starts watching it for external mutations. The snowflake node stamps
// this store's writer identity into every record it writes.
func NewFileStore(path string, node *snowflake.Node, logger *zap.Logger) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory, not the file: rename-based replacement swaps the
	// inode, and the file may not exist yet.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch session dir: %w", err)
	}

	s := &FileStore{
		path:     filepath.Clean(path),
		writerID: node.Generate().String(),
		logger:   logger,
		local:    newNotifier(),
		external: newNotifier(),
		watcher:  watcher,
		done:     make(chan struct{}),
	}
	go s.watch()
	return s, nil
}

// Read loads the current record. Missing or undecodable records read as
// logged-out.
func (s *FileStore) Read(ctx context.Context) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		s.log().Warn("session record undecodable, treating as logged out", zap.Error(err))
		return nil, nil
	}
	if !session.Valid() {
		return nil, nil
	}
	return &session, nil
}

// Write replaces the record atomically and signals same-context subscribers.
func (s *FileStore) Write(ctx context.Context, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !session.Valid() {
		return fmt.Errorf("refusing to persist incomplete session")
	}
	session.WriterID = s.writerID
	session.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace session record: %w", err)
	}

	s.local.Signal()
	return nil
}

// Clear removes the record unconditionally and signals same-context
// subscribers. Used from cleanup paths; never fails the caller.
func (s *FileStore) Clear(ctx context.Context) {
	s.ownRemoves.Add(1)
	if err := os.Remove(s.path); err != nil {
		// No remove event will fire for a failed or no-op removal.
		s.ownRemoves.Add(-1)
		if !errors.Is(err, fs.ErrNotExist) {
			s.log().Warn("clear session record", zap.Error(err))
		}
	}
	s.local.Signal()
}

// Changes returns the same-context notification feed.
func (s *FileStore) Changes() <-chan struct{} {
	return s.local.C()
}

// ExternalChanges returns the feed of mutations made by other processes.
func (s *FileStore) ExternalChanges() <-chan struct{} {
	return s.external.C()
}

// Close stops the watcher.
func (s *FileStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
	})
	return err
}

func (s *FileStore) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			s.handleEvent(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log().Warn("session watcher error", zap.Error(err))
		}
	}
}

func (s *FileStore) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && ev.Op&fsnotify.Create == 0 {
		if s.ownRemoves.Add(-1) >= 0 {
			return
		}
		// Not one of ours; restore the counter and notify.
		s.ownRemoves.Add(1)
		s.external.Signal()
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		// The writer may still be mid-replace; the poll backstop covers it.
		return
	}
	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return
	}
	if session.WriterID == s.writerID {
		// Our own write; the local feed already carried it.
		return
	}
	s.external.Signal()
}

func (s *FileStore) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
