// Package archive provides safe, read-only random access to the charting
// application's on-disk data directory.
//
// Every input path is canonicalized (symlinks resolved, ".." collapsed)
// and must remain a strict descendant of the configured root; anything
// else fails with ErrForbidden before any file I/O happens. No write,
// delete or rename operation is exposed.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind is a stable error category surfaced to callers and mapped onto
// HTTP statuses by the historical API.
type Kind string

const (
	KindForbidden Kind = "forbidden"
	KindNotFound  Kind = "not-found"
	KindTooLarge  Kind = "too-large"
	KindIOError   Kind = "io-error"
)

// Error carries a stable kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind, or empty string for foreign errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// ReadMode selects how ReadRange returns content.
type ReadMode string

const (
	ModeBinary ReadMode = "binary"
	ModeText   ReadMode = "text"
)

// Entry describes one archive file or directory.
type Entry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	IsDir    bool      `json:"is_dir"`
}

// Reader is the path-restricted accessor. Safe for concurrent use.
type Reader struct {
	root     string // canonical, symlink-resolved
	maxBytes int64  // per-request read cap
}

// NewReader canonicalizes the root and verifies it is a reachable
// directory. A missing root is a startup error, not an archive error.
func NewReader(root string, maxBytes int64) (*Reader, error) {
	canon, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("archive root %s: %w", root, err)
	}
	canon, err = filepath.Abs(canon)
	if err != nil {
		return nil, fmt.Errorf("archive root %s: %w", root, err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("archive root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("archive root %s is not a directory", root)
	}
	return &Reader{root: canon, maxBytes: maxBytes}, nil
}

// Root returns the canonical archive root.
func (r *Reader) Root() string { return r.root }

// MaxBytes returns the per-request read cap.
func (r *Reader) MaxBytes() int64 { return r.maxBytes }

// Resolve canonicalizes a caller-supplied relative path and enforces the
// root containment contract. The empty path resolves to the root itself.
//
// Symlinks are resolved on the deepest existing prefix so a link pointing
// outside the root cannot smuggle a path through, while not-yet-existing
// files still resolve (their parent is checked instead).
func (r *Reader) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) || strings.ContainsRune(rel, 0) {
		return "", &Error{Kind: KindForbidden, Path: rel}
	}
	joined := filepath.Join(r.root, filepath.FromSlash(rel))

	canon, err := resolveExistingPrefix(joined)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &Error{Kind: KindNotFound, Path: rel, Err: err}
		}
		return "", &Error{Kind: KindIOError, Path: rel, Err: err}
	}

	if canon != r.root && !strings.HasPrefix(canon, r.root+string(filepath.Separator)) {
		return "", &Error{Kind: KindForbidden, Path: rel}
	}
	return canon, nil
}

// resolveExistingPrefix walks up from path until EvalSymlinks succeeds,
// then re-joins the missing suffix onto the canonical prefix.
func resolveExistingPrefix(path string) (string, error) {
	var suffix []string
	current := path
	for {
		canon, err := filepath.EvalSymlinks(current)
		if err == nil {
			if len(suffix) == 0 {
				return canon, nil
			}
			// Reverse the collected components.
			for i, j := 0, len(suffix)-1; i < j; i, j = i+1, j-1 {
				suffix[i], suffix[j] = suffix[j], suffix[i]
			}
			return filepath.Join(append([]string{canon}, suffix...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		suffix = append(suffix, filepath.Base(current))
		current = parent
	}
}

// List returns the entries of a directory inside the archive.
func (r *Reader) List(rel string) ([]Entry, error) {
	path, err := r.Resolve(rel)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(path)
	if err != nil {
		return nil, classify(rel, err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue // entry vanished between ReadDir and Info
		}
		entries = append(entries, Entry{
			Name:     de.Name(),
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
			IsDir:    de.IsDir(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Stat returns metadata for one archive path.
func (r *Reader) Stat(rel string) (Entry, error) {
	path, err := r.Resolve(rel)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Entry{}, classify(rel, err)
	}
	return Entry{
		Name:     filepath.Base(path),
		Size:     info.Size(),
		Modified: info.ModTime().UTC(),
		IsDir:    info.IsDir(),
	}, nil
}

// ReadRange reads length bytes starting at offset. The length is checked
// against the configured cap before any byte is read. Text mode verifies
// UTF-8 and normalizes CRLF line endings.
func (r *Reader) ReadRange(rel string, offset, length int64, mode ReadMode) ([]byte, error) {
	if length < 0 || offset < 0 {
		return nil, &Error{Kind: KindIOError, Path: rel, Err: fmt.Errorf("negative offset or length")}
	}
	if length > r.maxBytes {
		return nil, &Error{Kind: KindTooLarge, Path: rel,
			Err: fmt.Errorf("requested %d bytes, cap is %d", length, r.maxBytes)}
	}

	path, err := r.Resolve(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, classify(rel, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, classify(rel, err)
	}
	if info.IsDir() {
		return nil, &Error{Kind: KindIOError, Path: rel, Err: fmt.Errorf("is a directory")}
	}
	if offset >= info.Size() {
		return []byte{}, nil
	}
	if offset+length > info.Size() {
		length = info.Size() - offset
	}

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, classify(rel, err)
	}
	buf = buf[:n]

	if mode == ModeText {
		buf = []byte(strings.ReplaceAll(string(buf), "\r\n", "\n"))
		if !utf8.Valid(buf) {
			return nil, &Error{Kind: KindIOError, Path: rel, Err: fmt.Errorf("content is not valid UTF-8 text")}
		}
	}
	return buf, nil
}

// Head reads up to n bytes from the start of a file.
func (r *Reader) Head(rel string, n int64) ([]byte, error) {
	return r.ReadRange(rel, 0, n, ModeBinary)
}

// Tail reads up to n bytes from the end of a file.
func (r *Reader) Tail(rel string, n int64) ([]byte, error) {
	st, err := r.Stat(rel)
	if err != nil {
		return nil, err
	}
	offset := st.Size - n
	if offset < 0 {
		offset = 0
		n = st.Size
	}
	return r.ReadRange(rel, offset, n, ModeBinary)
}

func classify(rel string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &Error{Kind: KindNotFound, Path: rel, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &Error{Kind: KindForbidden, Path: rel, Err: err}
	default:
		return &Error{Kind: KindIOError, Path: rel, Err: err}
	}
}
