package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

const (
	defaultCacheTTL    = 30 * time.Second
	defaultLockPoll    = 50 * time.Millisecond
	defaultLockStale   = 30 * time.Second
	defaultLockTimeout = 5 * time.Second
)

// ErrLockTimeout is returned when the store lock cannot be acquired within
// the bounded wait. Callers of management operations should surface it as a
// retryable failure.
var ErrLockTimeout = errors.New("session store lock timeout")

// processLocks serializes goroutines within this process per lock path, so
// they contend on a mutex instead of racing each other for the marker file.
var processLocks sync.Map // lock path -> *sync.Mutex

// lockInfo is the JSON body of a lock marker file. It exists only for
// mutual exclusion and staleness diagnosis; it is never read as
// application data.
type lockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// StoreOptions tunes lock and cache behavior. Zero values select defaults.
type StoreOptions struct {
	CacheTTL    time.Duration
	LockPoll    time.Duration
	LockStale   time.Duration
	LockTimeout time.Duration
	Logger      *slog.Logger

	// OnLockWait and OnLockEvicted are observability hooks; either may be nil.
	OnLockWait    func(time.Duration)
	OnLockEvicted func()
}

// Store is the durable session store: one JSON document per path mapping
// session key to record, guarded by a sibling lock marker file. Every
// mutation of persisted session state anywhere in the system goes through
// Update — a direct unlocked write is a correctness bug.
type Store struct {
	opts StoreOptions

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

type cacheEntry struct {
	doc      map[Key]*Record
	loadedAt time.Time
	modTime  time.Time
}

// NewStore creates a Store with the given options.
func NewStore(opts StoreOptions) *Store {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.LockPoll <= 0 {
		opts.LockPoll = defaultLockPoll
	}
	if opts.LockStale <= 0 {
		opts.LockStale = defaultLockStale
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{opts: opts, cache: make(map[string]*cacheEntry)}
}

// Load reads the store document at path, serving from a short-TTL cache
// keyed by file path. A missing or corrupt file yields an empty document,
// never an error. The cache is invalidated when the file's modification
// time changes or when any write goes through this Store.
func (s *Store) Load(path string) (map[Key]*Record, error) {
	s.mu.Lock()
	entry := s.cache[path]
	s.mu.Unlock()

	if entry != nil && time.Since(entry.loadedAt) < s.opts.CacheTTL {
		if fi, err := os.Stat(path); err != nil || fi.ModTime().Equal(entry.modTime) {
			return cloneDoc(entry.doc), nil
		}
	}
	return s.LoadFresh(path)
}

// LoadFresh bypasses the read cache and re-reads the file.
func (s *Store) LoadFresh(path string) (map[Key]*Record, error) {
	doc, modTime, err := s.loadFile(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[path] = &cacheEntry{doc: cloneDoc(doc), loadedAt: time.Now(), modTime: modTime}
	s.mu.Unlock()
	return doc, nil
}

// Invalidate drops any cached document for path.
func (s *Store) Invalidate(path string) {
	s.mu.Lock()
	delete(s.cache, path)
	s.mu.Unlock()
}

// Update acquires the cross-process lock for path, re-reads the document
// bypassing the cache (read-after-lock, so a concurrent writer's changes
// are never clobbered), applies fn to the document in place, atomically
// persists the result, and releases the lock. fn returning an error aborts
// the write and propagates.
func (s *Store) Update(path string, fn func(doc map[Key]*Record) error) error {
	return s.withLock(path, func() error {
		doc, _, err := s.loadFile(path)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		if err := s.writeFile(path, doc); err != nil {
			return err
		}
		modTime := time.Time{}
		if fi, statErr := os.Stat(path); statErr == nil {
			modTime = fi.ModTime()
		}
		s.mu.Lock()
		s.cache[path] = &cacheEntry{doc: cloneDoc(doc), loadedAt: time.Now(), modTime: modTime}
		s.mu.Unlock()
		return nil
	})
}

// withLock runs fn while holding both the in-process mutex and the
// on-disk lock marker for path.
func (s *Store) withLock(path string, fn func() error) error {
	lockPath := path + ".lock"
	muIface, _ := processLocks.LoadOrStore(lockPath, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	deadline := start.Add(s.opts.LockTimeout)
	for {
		err := tryAcquireLock(lockPath)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			// Directory removed out-of-band: recreate and retry.
			if os.IsNotExist(err) {
				if mkErr := os.MkdirAll(filepath.Dir(lockPath), 0o755); mkErr != nil {
					return fmt.Errorf("recreate store dir: %w", mkErr)
				}
				continue
			}
			return fmt.Errorf("acquire store lock: %w", err)
		}
		if s.evictIfStale(lockPath) {
			continue
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s held for more than %s", ErrLockTimeout, lockPath, s.opts.LockTimeout)
		}
		time.Sleep(s.opts.LockPoll)
	}
	if s.opts.OnLockWait != nil {
		s.opts.OnLockWait(time.Since(start))
	}
	defer os.Remove(lockPath)

	return fn()
}

func tryAcquireLock(lockPath string) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	info := lockInfo{PID: os.Getpid(), AcquiredAt: time.Now()}
	if data, mErr := json.Marshal(info); mErr == nil {
		_, _ = f.Write(data)
	}
	return nil
}

// evictIfStale removes a lock marker whose holder appears crashed. It
// returns true when the marker was removed and acquisition should retry.
func (s *Store) evictIfStale(lockPath string) bool {
	age := time.Duration(-1)
	if data, err := os.ReadFile(lockPath); err == nil {
		var info lockInfo
		if json.Unmarshal(data, &info) == nil && !info.AcquiredAt.IsZero() {
			age = time.Since(info.AcquiredAt)
		}
	}
	if age < 0 {
		fi, err := os.Stat(lockPath)
		if err != nil {
			// Marker vanished between attempts; retry immediately.
			return true
		}
		age = time.Since(fi.ModTime())
	}
	if age <= s.opts.LockStale {
		return false
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return false
	}
	s.opts.Logger.Warn("evicted stale session store lock", "lock", lockPath, "age", age)
	if s.opts.OnLockEvicted != nil {
		s.opts.OnLockEvicted()
	}
	return true
}

// loadFile reads and migrates the document at path. Missing and corrupt
// files both yield an empty document.
func (s *Store) loadFile(path string) (map[Key]*Record, time.Time, error) {
	doc := make(map[Key]*Record)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("read session store: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.opts.Logger.Warn("session store corrupt, starting empty", "path", path, "error", err)
		return doc, time.Time{}, nil
	}
	for k, v := range raw {
		rec, mErr := migrateRecord(v)
		if mErr != nil {
			s.opts.Logger.Warn("dropping unreadable session record", "key", k, "error", mErr)
			continue
		}
		doc[Key(k)] = rec
	}
	modTime := time.Time{}
	if fi, statErr := os.Stat(path); statErr == nil {
		modTime = fi.ModTime()
	}
	return doc, modTime, nil
}

// writeFile persists the document atomically: write to a temp file in the
// same directory then rename. On Windows, where rename over an open file is
// unreliable, the write happens in place — serialization is already
// guaranteed by the lock.
func (s *Store) writeFile(path string, doc map[Key]*Record) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session store: %w", err)
	}

	dir := filepath.Dir(path)
	for attempt := 0; ; attempt++ {
		var wErr error
		if runtime.GOOS == "windows" {
			wErr = os.WriteFile(path, data, 0o644)
		} else {
			wErr = writeViaRename(dir, path, data)
		}
		if wErr == nil {
			return nil
		}
		// Directory removed mid-operation (e.g. concurrent cleanup):
		// recreate it and retry once.
		if attempt == 0 && os.IsNotExist(wErr) {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr == nil {
				continue
			}
		}
		return fmt.Errorf("write session store: %w", wErr)
	}
}

func writeViaRename(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func cloneDoc(doc map[Key]*Record) map[Key]*Record {
	out := make(map[Key]*Record, len(doc))
	for k, v := range doc {
		rec := *v
		out[k] = &rec
	}
	return out
}
