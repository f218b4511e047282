package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Store is the storage boundary the loader reads function source through.
// Path strings are always storage-root-relative; implementations must not
// interpret absolute paths. Read stops after maxBytes+1 bytes when
// maxBytes is positive, so a file that grows between the size check and
// the read still cannot be pulled in whole.
type Store interface {
	Read(path string, maxBytes int64) ([]byte, error)
	Exists(path string) (bool, error)
	Size(path string) (int64, error)
}

// DirStore serves function source from a local directory root, re-checking
// containment on the fully resolved path so symlinks cannot escape it.
type DirStore struct {
	root string
}

// NewDirStore resolves root and returns a store rooted there.
func NewDirStore(root string) (*DirStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		abs = resolved
	}
	return &DirStore{root: abs}, nil
}

// Root returns the absolute storage root.
func (s *DirStore) Root() string { return s.root }

// resolve joins rel onto the root and verifies the result, after symlink
// resolution, is still prefixed by the root.
func (s *DirStore) resolve(rel string) (string, error) {
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if resolved, err := filepath.EvalSymlinks(full); err == nil {
		full = resolved
	}
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", NewSecurityError("path %q resolves outside secure storage directory", rel)
	}
	return full, nil
}

func (s *DirStore) Read(rel string, maxBytes int64) ([]byte, error) {
	full, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full) // #nosec G304 -- containment verified by resolve
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if maxBytes <= 0 {
		return io.ReadAll(f)
	}
	// One byte past the ceiling lets the caller detect oversized files
	// without ever reading them in full.
	return io.ReadAll(io.LimitReader(f, maxBytes+1))
}

func (s *DirStore) Exists(rel string) (bool, error) {
	full, err := s.resolve(rel)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(full)
	if statErr == nil {
		return true, nil
	}
	if os.IsNotExist(statErr) {
		return false, nil
	}
	return false, statErr
}

func (s *DirStore) Size(rel string) (int64, error) {
	full, err := s.resolve(rel)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Write persists source under rel with owner-only permissions. Used by the
// upload path; execution never writes.
func (s *DirStore) Write(rel string, data []byte) error {
	if !IsSafePath(rel) {
		return NewSecurityError("unsafe function path: %q", rel)
	}
	full, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		return fmt.Errorf("creating namespace directory: %w", err)
	}
	return os.WriteFile(full, data, 0600)
}

// Loader reads function source from the sandboxed storage root, enforcing
// path containment and the file-size ceiling. It never caches: every load
// is a fresh, auditable read within a narrow trust boundary.
type Loader struct {
	store        Store
	maxFileBytes int64
}

// NewLoader builds a loader over store with the given file-size ceiling.
func NewLoader(store Store, maxFileBytes int64) *Loader {
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultLimits().MaxFileBytes
	}
	return &Loader{store: store, maxFileBytes: maxFileBytes}
}

// Load returns the source text for fc. Every step is a hard gate; the
// first failure aborts without reading the file.
func (l *Loader) Load(fc FunctionConfig) (string, error) {
	if !IsSafePath(fc.FilePath) {
		return "", NewSecurityError("unsafe function path: %q", fc.FilePath)
	}

	exists, err := l.store.Exists(fc.FilePath)
	if err != nil {
		if IsSecurityError(err) {
			return "", err
		}
		return "", fmt.Errorf("checking function file: %w", err)
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrFunctionNotFound, fc.FilePath)
	}

	size, err := l.store.Size(fc.FilePath)
	if err != nil {
		return "", fmt.Errorf("sizing function file: %w", err)
	}
	if size > l.maxFileBytes {
		return "", NewSecurityError("function file too large: %d bytes (max %d)", size, l.maxFileBytes)
	}

	data, err := l.store.Read(fc.FilePath, l.maxFileBytes)
	if err != nil {
		if IsSecurityError(err) {
			return "", err
		}
		return "", fmt.Errorf("reading function file: %w", err)
	}
	// The size check above races against writers; the bounded read is the
	// authoritative gate.
	if int64(len(data)) > l.maxFileBytes {
		return "", NewSecurityError("function file too large: %d bytes (max %d)", len(data), l.maxFileBytes)
	}

	log.Debug().
		Str("path", fc.FilePath).
		Int("bytes", len(data)).
		Msg("function source loaded")

	return string(data), nil
}
