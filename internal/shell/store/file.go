package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/artpar/dualdeploy/internal/core/domain"
)

// =============================================================================
// FileStore
// =============================================================================

// FileStore implements Store as a single JSON document mapping unit name to
// record. The document is re-read on every call so several processes can
// share it; writes replace it atomically (temp file, fsync, rename, dir sync).
type FileStore struct {
	path string
	mu   sync.Mutex
}

// fileLease is the content of the lease file next to the document.
type fileLease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewFileStore opens the document at path, creating its directory. A missing
// file is an empty store; an unreadable one is ErrInvalidData.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, NewStoreError("NewFileStore", "", "", "path is required", ErrConnectionFailed)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, NewStoreError("NewFileStore", "", "", err.Error(), ErrConnectionFailed)
	}

	s := &FileStore{path: path}
	if _, err := s.load("NewFileStore"); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the document location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Close() error {
	return nil
}

// =============================================================================
// Record Operations
// =============================================================================

func (s *FileStore) Get(ctx context.Context, name string) (*domain.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load("Get")
	if err != nil {
		return nil, err
	}
	rec, ok := records[name]
	if !ok {
		return nil, NewStoreError("Get", "record", name, "record not found", ErrNotFound)
	}
	return rec, nil
}

func (s *FileStore) Snapshot(ctx context.Context) (map[string]*domain.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load("Snapshot")
}

func (s *FileStore) List(ctx context.Context) ([]*domain.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load("List")
	if err != nil {
		return nil, err
	}
	out := make([]*domain.DeploymentRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FileStore) Put(ctx context.Context, rec *domain.DeploymentRecord) error {
	return s.PutBatch(ctx, []*domain.DeploymentRecord{rec})
}

func (s *FileStore) PutBatch(ctx context.Context, recs []*domain.DeploymentRecord) error {
	for _, rec := range recs {
		if err := validateRecord("Put", rec); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load("Put")
	if err != nil {
		return err
	}
	for _, rec := range recs {
		c := rec.Clone()
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = time.Now().UTC()
		}
		records[c.Name] = c
	}
	return s.save("Put", records)
}

func (s *FileStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load("Delete")
	if err != nil {
		return err
	}
	if _, ok := records[name]; !ok {
		return NewStoreError("Delete", "record", name, "record not found", ErrNotFound)
	}
	delete(records, name)
	return s.save("Delete", records)
}

// =============================================================================
// Lease Operations
// =============================================================================

func (s *FileStore) leasePath() string {
	return s.path + ".lock"
}

func (s *FileStore) AcquireLease(ctx context.Context, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	data, err := json.Marshal(fileLease{Owner: owner, ExpiresAt: now.Add(ttl).UTC()})
	if err != nil {
		return NewStoreError("AcquireLease", "lease", owner, err.Error(), ErrInvalidData)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(s.leasePath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.Write(data)
			serr := f.Sync()
			cerr := f.Close()
			if err := errors.Join(werr, serr, cerr); err != nil {
				_ = os.Remove(s.leasePath())
				return NewStoreError("AcquireLease", "lease", owner, err.Error(), err)
			}
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return NewStoreError("AcquireLease", "lease", owner, err.Error(), err)
		}

		var held fileLease
		if err := readJSONStrict(s.leasePath(), &held); err != nil && !errors.Is(err, os.ErrNotExist) {
			// An unreadable lease file is treated as abandoned.
			held = fileLease{}
		}
		if held.Owner == owner {
			if err := writeFileAtomicDurable(s.leasePath(), data, 0o644); err != nil {
				return NewStoreError("AcquireLease", "lease", owner, err.Error(), err)
			}
			return nil
		}
		if held.Owner != "" && held.ExpiresAt.After(now) {
			return NewStoreError("AcquireLease", "lease", owner,
				fmt.Sprintf("held by %s until %s", held.Owner, held.ExpiresAt.Format(time.RFC3339)), ErrBusy)
		}
		if err := os.Remove(s.leasePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return NewStoreError("AcquireLease", "lease", owner, err.Error(), err)
		}
	}
	return NewStoreError("AcquireLease", "lease", owner, "lease contended", ErrBusy)
}

func (s *FileStore) ReleaseLease(ctx context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var held fileLease
	if err := readJSONStrict(s.leasePath(), &held); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return NewStoreError("ReleaseLease", "lease", owner, err.Error(), ErrInvalidData)
	}
	if held.Owner != owner {
		return nil
	}
	if err := os.Remove(s.leasePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return NewStoreError("ReleaseLease", "lease", owner, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Document I/O
// =============================================================================

// load reads the document. Callers hold s.mu.
func (s *FileStore) load(op string) (map[string]*domain.DeploymentRecord, error) {
	records := make(map[string]*domain.DeploymentRecord)

	err := readJSONStrict(s.path, &records)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]*domain.DeploymentRecord), nil
	}
	if err != nil {
		return nil, NewStoreError(op, "", "", fmt.Sprintf("read %s: %v", s.path, err), ErrInvalidData)
	}

	for name, rec := range records {
		if rec == nil {
			return nil, NewStoreError(op, "record", name, "null record", ErrInvalidData)
		}
		if !rec.Status.Valid() {
			return nil, NewStoreError(op, "record", name, fmt.Sprintf("invalid status %q", rec.Status), ErrInvalidData)
		}
		rec.Name = name
	}
	return records, nil
}

// save writes the document. Callers hold s.mu.
func (s *FileStore) save(op string, records map[string]*domain.DeploymentRecord) error {
	// encoding/json sorts map keys, so the document is stable across writes.
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return NewStoreError(op, "", "", err.Error(), ErrInvalidData)
	}
	data = append(data, '\n')

	if err := writeFileAtomicDurable(s.path, data, 0o644); err != nil {
		return NewStoreError(op, "", "", fmt.Sprintf("write %s: %v", s.path, err), err)
	}
	return nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
