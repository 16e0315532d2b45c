package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/livelykit/lively/pkg/protocol"
)

const fileCacheSize = 256

// FileStore keeps one JSON file per room under a data directory. Writes go
// through a temp file and an atomic rename so a crash never leaves a
// half-written snapshot. Reads are served from an LRU cache invalidated on
// write.
type FileStore struct {
	dir   string
	cache *lru.Cache[string, *protocol.Snapshot]
	log   *zap.Logger
}

func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	cache, err := lru.New[string, *protocol.Snapshot](fileCacheSize)
	if err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, cache: cache, log: logger}, nil
}

func (s *FileStore) path(roomID string) string {
	return filepath.Join(s.dir, protocol.SanitizeRoomID(roomID)+".json")
}

func (s *FileStore) Load(ctx context.Context, roomID string) (*protocol.Snapshot, error) {
	key := protocol.SanitizeRoomID(roomID)
	if snap, ok := s.cache.Get(key); ok {
		return snap, nil
	}
	raw, err := os.ReadFile(s.path(roomID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap protocol.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for room %s: %w", key, err)
	}
	s.cache.Add(key, &snap)
	return &snap, nil
}

func (s *FileStore) Save(ctx context.Context, roomID string, snap *protocol.Snapshot) error {
	key := protocol.SanitizeRoomID(roomID)
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	final := s.path(roomID)
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename snapshot: %w", err)
	}
	s.cache.Add(key, snap)
	s.log.Debug("snapshot written",
		zap.String("room_id", key),
		zap.Int("bytes", len(raw)))
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (s *FileStore) Exists(ctx context.Context, roomID string) (bool, error) {
	if _, err := os.Stat(s.path(roomID)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, roomID string) error {
	s.cache.Remove(protocol.SanitizeRoomID(roomID))
	if err := os.Remove(s.path(roomID)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *FileStore) Reset(ctx context.Context) error {
	ids, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil && err != ErrNotFound {
			return err
		}
	}
	s.cache.Purge()
	return nil
}
