package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/jellydator/ttlcache/v3"

	aiprompt "github.com/CWade3051/AIPrompt"
)

const (
	recordExt      = ".json"
	lockName       = ".lock"
	headerCacheTTL = 10 * time.Minute
)

// header is the listing data of one record, valid while the file's
// modification time and size are unchanged.
type header struct {
	info    aiprompt.SessionInfo
	modTime time.Time
	size    int64
}

// FileStore keeps each session in <dir>/<id>.json. Writers from separate
// processes are serialised by an advisory lock on <dir>/.lock; records are
// replaced atomically so readers never observe a partial file.
type FileStore struct {
	dir     string
	lock    *flock.Flock
	headers *ttlcache.Cache[string, header]
}

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrWriteFailed, dir, err)
	}
	c := ttlcache.New[string, header](
		ttlcache.WithTTL[string, header](headerCacheTTL),
	)
	go c.Start()
	return &FileStore{
		dir:     dir,
		lock:    flock.New(filepath.Join(dir, lockName)),
		headers: c,
	}, nil
}

// Dir returns the directory holding the records.
func (s *FileStore) Dir() string { return s.dir }

// Close stops the header cache expiration loop.
func (s *FileStore) Close() {
	s.headers.Stop()
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

// withLock runs fn while holding the cross-process writer lock.
func (s *FileStore) withLock(fn func() error) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("%w: acquiring lock: %v", ErrWriteFailed, err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

// Save writes the session record. On failure the previous record, if any,
// is left intact.
func (s *FileStore) Save(sess *aiprompt.Session) error {
	if !ValidID(sess.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, sess.ID)
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWriteFailed, sess.ID, err)
	}

	err = s.withLock(func() error {
		defer s.headers.Delete(sess.ID)
		if err := writeFileAtomic(s.path(sess.ID), data, 0o644); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrWriteFailed, sess.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Debug("session saved", "id", sess.ID, "exchanges", len(sess.Exchanges), "transcript_lines", len(sess.Transcript))
	return nil
}

// Load reads the session stored under id.
func (s *FileStore) Load(id string) (*aiprompt.Session, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	return decode(id, data)
}

func decode(id string, data []byte) (*aiprompt.Session, error) {
	var sess aiprompt.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if sess.ID == "" {
		sess.ID = id
	}
	return &sess, nil
}

// List scans the directory on every call; decoded headers are reused only
// while a record's modification time and size are unchanged. Unreadable
// records are logged and skipped.
func (s *FileStore) List() ([]aiprompt.SessionInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []aiprompt.SessionInfo{}, nil
		}
		return nil, err
	}

	infos := make([]aiprompt.SessionInfo, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != recordExt {
			continue
		}
		id := strings.TrimSuffix(name, recordExt)
		if !ValidID(id) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			// Deleted between ReadDir and Info.
			continue
		}
		if item := s.headers.Get(id); item != nil {
			h := item.Value()
			if h.modTime.Equal(fi.ModTime()) && h.size == fi.Size() {
				infos = append(infos, h.info)
				continue
			}
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("skipping unreadable session", "id", id, "error", err)
			}
			continue
		}
		sess, err := decode(id, data)
		if err != nil {
			slog.Warn("skipping malformed session", "id", id, "error", err)
			continue
		}
		info := sess.Info()
		s.headers.Set(id, header{info: info, modTime: fi.ModTime(), size: fi.Size()}, ttlcache.DefaultTTL)
		infos = append(infos, info)
	}

	sortNewestFirst(infos)
	return infos, nil
}

// sortNewestFirst orders by timestamp descending; ties fall back to id
// descending, which is creation order for generated ids.
func sortNewestFirst(infos []aiprompt.SessionInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].Timestamp.Equal(infos[j].Timestamp) {
			return infos[i].Timestamp.After(infos[j].Timestamp)
		}
		return infos[i].ID > infos[j].ID
	})
}

// Delete removes the records for ids. Missing records are not an error.
func (s *FileStore) Delete(ids ...string) error {
	for _, id := range ids {
		if !ValidID(id) {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return s.withLock(func() error {
		for _, id := range ids {
			s.headers.Delete(id)
			if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%w: deleting %s: %v", ErrWriteFailed, id, err)
			}
			slog.Debug("session deleted", "id", id)
		}
		return nil
	})
}

// DeleteAll removes every record in the store.
func (s *FileStore) DeleteAll() error {
	return s.withLock(func() error {
		defer s.headers.DeleteAll()
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != recordExt {
				continue
			}
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%w: deleting %s: %v", ErrWriteFailed, name, err)
			}
		}
		slog.Info("all sessions deleted", "dir", s.dir)
		return nil
	})
}
