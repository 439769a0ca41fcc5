package workstate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"pharmimport/internal/fileutil"
	"pharmimport/internal/logging"
	"pharmimport/internal/services"
	"pharmimport/internal/textutil"
)

const (
	stateSuffix = ".state.json"
	lockSuffix  = ".lock"
)

// Store reads and writes WorkState documents under a directory, one per tag.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logging.NewComponentLogger(logger, "workstate"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the document path for tag.
func (s *Store) Path(tag string) string {
	return filepath.Join(s.dir, fileStem(tag)+stateSuffix)
}

// LockPath returns the run lock path for tag.
func (s *Store) LockPath(tag string) string {
	return filepath.Join(s.dir, fileStem(tag)+lockSuffix)
}

// fileStem keeps tags that sanitize to the same token apart.
func fileStem(tag string) string {
	sum := sha256.Sum256([]byte(tag))
	return textutil.SanitizeToken(tag) + "-" + hex.EncodeToString(sum[:4])
}

// LoadOrCreate returns the persisted state for id.Tag when one exists and
// matches id, or a fresh state otherwise. The boolean reports whether an
// existing state was resumed. A document that cannot be decoded is moved aside
// and replaced by a fresh state.
func (s *Store) LoadOrCreate(ctx context.Context, id Identity) (*State, bool, error) {
	if strings.TrimSpace(id.Tag) == "" {
		return nil, false, services.Wrap(services.ErrConfiguration, "planning", "load state", "run tag is empty", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, false, services.Wrap(services.ErrFatal, "planning", "load state", "create state directory", err)
	}

	st, err := s.Load(id.Tag)
	switch {
	case err == nil:
		if err := st.CheckIdentity(id); err != nil {
			return nil, false, services.Wrap(services.ErrConfiguration, "planning", "load state",
				fmt.Sprintf("state for tag %q was created with a different identity", id.Tag), err)
		}
		s.logger.Info("resuming persisted work state",
			logging.String(logging.FieldRunTag, id.Tag),
			logging.String("path", s.Path(id.Tag)),
			logging.Int("items", len(st.Items)),
			logging.String(logging.FieldEventType, "state_resumed"),
		)
		return st, true, nil
	case errors.Is(err, services.ErrNotFound):
	case errors.Is(err, errCorrupt):
		aside := fmt.Sprintf("%s.corrupt-%d", s.Path(id.Tag), s.now().Unix())
		if renameErr := os.Rename(s.Path(id.Tag), aside); renameErr != nil {
			return nil, false, services.Wrap(services.ErrFatal, "planning", "load state", "move corrupt state aside", renameErr)
		}
		logging.WarnWithContext(s.logger, "work state unreadable; starting fresh", "state_corrupt",
			logging.String(logging.FieldRunTag, id.Tag),
			logging.String("moved_to", aside),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "inspect the moved file if progress looks wrong"),
			logging.String(logging.FieldImpact, "all phases re-run; stores stay consistent because writes are idempotent"),
		)
	default:
		return nil, false, err
	}

	st = newState(id, s.now())
	s.logger.Info("created work state",
		logging.String(logging.FieldRunTag, id.Tag),
		logging.String("path", s.Path(id.Tag)),
		logging.String(logging.FieldEventType, "state_created"),
	)
	return st, false, nil
}

var errCorrupt = errors.New("work state document is corrupt")

// Load reads the persisted state for tag. It returns an error wrapping
// services.ErrNotFound when no state exists.
func (s *Store) Load(tag string) (*State, error) {
	path := s.Path(tag)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "", "load state", fmt.Sprintf("no state for tag %q", tag), nil)
		}
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errCorrupt, path, err)
	}
	if st.Version > CurrentVersion {
		return nil, services.Wrap(services.ErrConfiguration, "", "load state",
			fmt.Sprintf("state version %d is newer than supported version %d", st.Version, CurrentVersion), nil)
	}
	st.ensure()
	return &st, nil
}

// Persist writes st atomically: a crash mid-write leaves the previous document
// in place.
func (s *Store) Persist(st *State) error {
	if st == nil {
		return errors.New("persist state: nil state")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	st.Version = CurrentVersion
	st.UpdatedAt = s.now()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("persist state: encode: %w", err)
	}
	data = append(data, '\n')
	if err := fileutil.WriteFileAtomic(s.Path(st.Tag), data, 0o644); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// RunLock is an exclusive per-tag lock held for the duration of a run.
type RunLock struct {
	lock *flock.Flock
}

// Lock takes the run lock for tag without blocking. It fails with
// services.ErrConflict when another process holds it.
func (s *Store) Lock(tag string) (*RunLock, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	path := s.LockPath(tag)
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, services.Wrap(services.ErrConflict, "", "acquire run lock",
			fmt.Sprintf("another run for tag %q is in progress (lock %s)", tag, path), nil)
	}
	return &RunLock{lock: lock}, nil
}

// Release drops the lock.
func (l *RunLock) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}
