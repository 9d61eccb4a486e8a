// Package sandbox gives each task execution a rooted filesystem facade:
// every path a task touches is validated against its own root before any
// syscall runs, and writes are quota-tracked and manifested. Grounded on
// the teacher's PythonPlugin/ShellPlugin file-handling style in
// plugins.go (os.WriteFile with 0600, filepath.Join, tracer spans around
// every filesystem operation) generalized from one-off temp scripts into
// a full per-task root.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrPathEscape is returned when a requested path resolves outside the
	// sandbox root.
	ErrPathEscape = errors.New("sandbox: path escapes root")
	// ErrQuotaExceeded is returned when a write would exceed the sandbox's
	// file-count or byte-size budget.
	ErrQuotaExceeded = errors.New("sandbox: quota exceeded")
	// ErrSymlink is returned when a path component is a symlink; sandboxes
	// never follow symlinks, in or out.
	ErrSymlink = errors.New("sandbox: symlinks are not permitted")
)

// mimeByExt is a small, explicit extension table. The teacher's plugins
// never needed MIME inference; this table is new, grounded on the same
// "explicit over clever" style (no reflection, no external sniffing lib)
// the rest of the teacher's code favors for small closed lookups.
var mimeByExt = map[string]string{
	".json": "application/json",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".go":   "text/x-go",
	".py":   "text/x-python",
	".js":   "application/javascript",
	".ts":   "application/typescript",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".csv":  "text/csv",
	".html": "text/html",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

func mimeOf(path string) string {
	if m, ok := mimeByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return m
	}
	return "application/octet-stream"
}

// FileEntry is one file recorded in a Manifest.
type FileEntry struct {
	Path   string `json:"path"` // relative to the sandbox root
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
	Mime   string `json:"mime"`
}

// Manifest summarizes everything written into a sandbox during a task run.
type Manifest struct {
	RootPath string      `json:"rootPath"`
	Files    []FileEntry `json:"files"`
	Bytes    int64       `json:"bytes"`
}

// Quota bounds a sandbox's resource consumption.
type Quota struct {
	MaxFiles int
	MaxBytes int64
}

// Sandbox is a rooted filesystem facade for one task execution.
type Sandbox struct {
	mu       sync.Mutex
	root     string
	quota    Quota
	files    map[string]FileEntry // relative path -> entry
	bytes    int64
	tracer   trace.Tracer
}

// New creates a sandbox rooted at root. The caller is responsible for
// root existing and being exclusively owned by this task execution; New
// does not create it so callers can choose tmpdir vs. a managed volume.
func New(root string, quota Quota) *Sandbox {
	if quota.MaxFiles <= 0 {
		quota.MaxFiles = 100
	}
	if quota.MaxBytes <= 0 {
		quota.MaxBytes = 50 << 20 // 50MiB
	}
	return &Sandbox{
		root:   root,
		quota:  quota,
		files:  make(map[string]FileEntry),
		tracer: otel.Tracer("agent-orchestrator-sandbox"),
	}
}

// resolve validates rel in this order: reject empty, reject absolute,
// clean, reject any ".." after cleaning, join against root, reject symlink
// components along the joined path, then confirm the join still lives
// under root (defends against cleverly-encoded escapes Clean alone won't
// catch on some platforms).
func (s *Sandbox) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscape)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathEscape, rel)
	}
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}

	full := filepath.Join(s.root, cleaned)
	if err := s.checkNoSymlink(full); err != nil {
		return "", err
	}

	rootWithSep := s.root
	if !strings.HasSuffix(rootWithSep, string(filepath.Separator)) {
		rootWithSep += string(filepath.Separator)
	}
	if full != s.root && !strings.HasPrefix(full, rootWithSep) {
		return "", fmt.Errorf("%w: %q resolves outside root", ErrPathEscape, rel)
	}
	return full, nil
}

// checkNoSymlink walks from root to full one component at a time, failing
// on the first symlink encountered (including one that does not yet exist
// as the final component, which is fine — only intermediate components
// and the final target, if present, are checked).
func (s *Sandbox) checkNoSymlink(full string) error {
	rel, err := filepath.Rel(s.root, full)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPathEscape, err)
	}
	parts := strings.Split(rel, string(filepath.Separator))
	cur := s.root
	for _, p := range parts {
		if p == "." || p == "" {
			continue
		}
		cur = filepath.Join(cur, p)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return ErrSymlink
		}
	}
	return nil
}

// WriteFile atomically writes data to rel (write-to-temp-then-rename),
// enforcing quota and updating the manifest. mode defaults to 0600 when
// zero, matching the teacher's plugin temp-script permission choice.
func (s *Sandbox) WriteFile(ctx context.Context, rel string, data []byte, mode os.FileMode) error {
	_, span := s.tracer.Start(ctx, "sandbox.write_file", trace.WithAttributes(attribute.String("path", rel)))
	defer span.End()

	if mode == 0 {
		mode = 0o600
	}

	full, err := s.resolve(rel)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, overwritten := s.files[filepath.Clean(rel)]
	newBytes := s.bytes + int64(len(data))
	if overwritten {
		newBytes -= existing.Size
	}
	newFiles := len(s.files)
	if !overwritten {
		newFiles++
	}
	if newFiles > s.quota.MaxFiles {
		return fmt.Errorf("%w: %d files exceeds max %d", ErrQuotaExceeded, newFiles, s.quota.MaxFiles)
	}
	if newBytes > s.quota.MaxBytes {
		return fmt.Errorf("%w: %d bytes exceeds max %d", ErrQuotaExceeded, newBytes, s.quota.MaxBytes)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return fmt.Errorf("mkdir parent: %w", err)
	}

	tmp := full + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}

	sum := sha256.Sum256(data)
	entry := FileEntry{
		Path:   filepath.Clean(rel),
		Size:   int64(len(data)),
		SHA256: hex.EncodeToString(sum[:]),
		Mime:   mimeOf(rel),
	}
	s.files[entry.Path] = entry
	s.bytes = newBytes
	span.SetAttributes(attribute.Int64("bytes", entry.Size))
	return nil
}

// ReadFile reads rel after path validation.
func (s *Sandbox) ReadFile(ctx context.Context, rel string) ([]byte, error) {
	_, span := s.tracer.Start(ctx, "sandbox.read_file", trace.WithAttributes(attribute.String("path", rel)))
	defer span.End()

	full, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// SearchReplace reads rel, replaces all occurrences of search with replace,
// and writes the result back atomically.
func (s *Sandbox) SearchReplace(ctx context.Context, rel, search, replace string) error {
	data, err := s.ReadFile(ctx, rel)
	if err != nil {
		return err
	}
	updated := strings.ReplaceAll(string(data), search, replace)
	return s.WriteFile(ctx, rel, []byte(updated), 0)
}

// Mkdir creates rel and any missing parents under the sandbox root.
func (s *Sandbox) Mkdir(ctx context.Context, rel string) error {
	_, span := s.tracer.Start(ctx, "sandbox.mkdir", trace.WithAttributes(attribute.String("path", rel)))
	defer span.End()

	full, err := s.resolve(rel)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o700)
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

// Readdir lists the immediate children of rel.
func (s *Sandbox) Readdir(ctx context.Context, rel string) ([]DirEntry, error) {
	_, span := s.tracer.Start(ctx, "sandbox.readdir", trace.WithAttributes(attribute.String("path", rel)))
	defer span.End()

	full, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}

// Stat reports size and modification time for rel.
type StatInfo struct {
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	ModTime time.Time `json:"modTime"`
}

// Stat returns filesystem metadata for rel.
func (s *Sandbox) Stat(ctx context.Context, rel string) (StatInfo, error) {
	_, span := s.tracer.Start(ctx, "sandbox.stat", trace.WithAttributes(attribute.String("path", rel)))
	defer span.End()

	full, err := s.resolve(rel)
	if err != nil {
		return StatInfo{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return StatInfo{}, err
	}
	return StatInfo{Size: info.Size(), IsDir: info.IsDir(), ModTime: info.ModTime()}, nil
}

// Rename moves oldRel to newRel and, if oldRel was a manifested file,
// updates that entry's key to newRel in place rather than dropping and
// re-adding it.
func (s *Sandbox) Rename(ctx context.Context, oldRel, newRel string) error {
	_, span := s.tracer.Start(ctx, "sandbox.rename", trace.WithAttributes(
		attribute.String("old", oldRel), attribute.String("new", newRel)))
	defer span.End()

	oldFull, err := s.resolve(oldRel)
	if err != nil {
		return err
	}
	newFull, err := s.resolve(newRel)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(newFull), 0o700); err != nil {
		return fmt.Errorf("mkdir parent: %w", err)
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	oldKey := filepath.Clean(oldRel)
	newKey := filepath.Clean(newRel)
	if entry, ok := s.files[oldKey]; ok {
		delete(s.files, oldKey)
		entry.Path = newKey
		entry.Mime = mimeOf(newRel)
		s.files[newKey] = entry
	}
	return nil
}

// Manifest returns a snapshot of everything written so far.
func (s *Sandbox) Manifest() Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Manifest{RootPath: s.root, Bytes: s.bytes}
	for _, e := range s.files {
		out.Files = append(out.Files, e)
	}
	return out
}

// Cleanup removes the sandbox root entirely.
func (s *Sandbox) Cleanup() error {
	return os.RemoveAll(s.root)
}
