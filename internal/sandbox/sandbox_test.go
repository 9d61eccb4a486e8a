package sandbox

import (
	"context"
	"errors"
	"os"
	"testing"
)

func newTestSandbox(t *testing.T, quota Quota) *Sandbox {
	t.Helper()
	root, err := os.MkdirTemp("", "sandbox-test-")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })
	return New(root, quota)
}

func TestWriteReadRoundTrip(t *testing.T) {
	sb := newTestSandbox(t, Quota{MaxFiles: 10, MaxBytes: 1 << 20})
	ctx := context.Background()

	if err := sb.WriteFile(ctx, "out/result.txt", []byte("hello"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := sb.ReadFile(ctx, "out/result.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}

	manifest := sb.Manifest()
	if len(manifest.Files) != 1 || manifest.Files[0].Size != 5 {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	sb := newTestSandbox(t, Quota{MaxFiles: 10, MaxBytes: 1 << 20})
	ctx := context.Background()

	cases := []string{"../outside.txt", "/etc/passwd", "a/../../b"}
	for _, rel := range cases {
		if err := sb.WriteFile(ctx, rel, []byte("x"), 0); !errors.Is(err, ErrPathEscape) {
			t.Fatalf("path %q: expected ErrPathEscape, got %v", rel, err)
		}
	}
}

func TestQuotaExceededByFileCount(t *testing.T) {
	sb := newTestSandbox(t, Quota{MaxFiles: 2, MaxBytes: 1 << 20})
	ctx := context.Background()

	if err := sb.WriteFile(ctx, "a.txt", []byte("1"), 0); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := sb.WriteFile(ctx, "b.txt", []byte("2"), 0); err != nil {
		t.Fatalf("write b: %v", err)
	}
	if err := sb.WriteFile(ctx, "c.txt", []byte("3"), 0); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded on 3rd file, got %v", err)
	}
}

func TestQuotaExceededByBytes(t *testing.T) {
	sb := newTestSandbox(t, Quota{MaxFiles: 10, MaxBytes: 4})
	ctx := context.Background()
	if err := sb.WriteFile(ctx, "a.txt", []byte("12345"), 0); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestOverwriteDoesNotDoubleCountBytes(t *testing.T) {
	sb := newTestSandbox(t, Quota{MaxFiles: 10, MaxBytes: 10})
	ctx := context.Background()
	if err := sb.WriteFile(ctx, "a.txt", []byte("12345"), 0); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := sb.WriteFile(ctx, "a.txt", []byte("6789"), 0); err != nil {
		t.Fatalf("overwrite should not double-count toward quota: %v", err)
	}
}

func TestMkdirThenReaddir(t *testing.T) {
	sb := newTestSandbox(t, Quota{MaxFiles: 10, MaxBytes: 1 << 20})
	ctx := context.Background()

	if err := sb.Mkdir(ctx, "dir/sub"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := sb.WriteFile(ctx, "dir/a.txt", []byte("x"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := sb.Readdir(ctx, "dir")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	var sawFile, sawSub bool
	for _, e := range entries {
		if e.Name == "a.txt" && !e.IsDir {
			sawFile = true
		}
		if e.Name == "sub" && e.IsDir {
			sawSub = true
		}
	}
	if !sawFile || !sawSub {
		t.Fatalf("expected readdir to list both a.txt and sub/, got %+v", entries)
	}
}

func TestStatReportsSizeAndKind(t *testing.T) {
	sb := newTestSandbox(t, Quota{MaxFiles: 10, MaxBytes: 1 << 20})
	ctx := context.Background()
	if err := sb.WriteFile(ctx, "a.txt", []byte("12345"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	info, err := sb.Stat(ctx, "a.txt")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size != 5 || info.IsDir {
		t.Fatalf("unexpected stat: %+v", info)
	}

	if err := sb.Mkdir(ctx, "dir"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	dirInfo, err := sb.Stat(ctx, "dir")
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if !dirInfo.IsDir {
		t.Fatalf("expected dir to report IsDir=true, got %+v", dirInfo)
	}
}

func TestRenameMovesFileAndUpdatesManifestKeyInPlace(t *testing.T) {
	sb := newTestSandbox(t, Quota{MaxFiles: 10, MaxBytes: 1 << 20})
	ctx := context.Background()
	if err := sb.WriteFile(ctx, "old.txt", []byte("hello"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := sb.Rename(ctx, "old.txt", "new.txt"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if _, err := sb.ReadFile(ctx, "old.txt"); err == nil {
		t.Fatalf("expected old.txt to no longer exist")
	}
	got, err := sb.ReadFile(ctx, "new.txt")
	if err != nil || string(got) != "hello" {
		t.Fatalf("expected new.txt to hold the original content, got %q err=%v", got, err)
	}

	manifest := sb.Manifest()
	if len(manifest.Files) != 1 || manifest.Files[0].Path != "new.txt" {
		t.Fatalf("expected rename to update the manifest entry's key in place, got %+v", manifest.Files)
	}
}

func TestRenameRejectsEscapingPaths(t *testing.T) {
	sb := newTestSandbox(t, Quota{MaxFiles: 10, MaxBytes: 1 << 20})
	ctx := context.Background()
	if err := sb.WriteFile(ctx, "a.txt", []byte("x"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sb.Rename(ctx, "a.txt", "../outside.txt"); !errors.Is(err, ErrPathEscape) {
		t.Fatalf("expected ErrPathEscape, got %v", err)
	}
}

func TestSearchReplace(t *testing.T) {
	sb := newTestSandbox(t, Quota{MaxFiles: 10, MaxBytes: 1 << 20})
	ctx := context.Background()
	if err := sb.WriteFile(ctx, "f.txt", []byte("foo bar foo"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sb.SearchReplace(ctx, "f.txt", "foo", "baz"); err != nil {
		t.Fatalf("search/replace: %v", err)
	}
	got, err := sb.ReadFile(ctx, "f.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "baz bar baz" {
		t.Fatalf("unexpected content: %q", got)
	}
}
