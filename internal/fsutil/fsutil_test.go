package fsutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.mtl")

	if err := AtomicWrite(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if string(data) != "first" {
		t.Errorf("content = %q", data)
	}

	// Overwriting replaces the content and leaves no temp file behind.
	if err := AtomicWrite(path, []byte("second"), 0o644); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "second" {
		t.Errorf("content after overwrite = %q", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestAtomicWrite_BadDirectory(t *testing.T) {
	err := AtomicWrite(filepath.Join(t.TempDir(), "missing", "f.mtl"), []byte("x"), 0o644)
	if err == nil {
		t.Fatal("write into a missing directory should fail")
	}
}

func TestReadFileRetry_ImmediateSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.xml")
	os.WriteFile(path, []byte("payload"), 0o644)

	data, err := ReadFileRetry(path, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("ReadFileRetry failed: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("data = %q", data)
	}
}

func TestReadFileRetry_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xml")
	os.WriteFile(path, nil, 0o644)

	data, err := ReadFileRetry(path, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("a genuinely empty file is not an error: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("data = %q", data)
	}
}

func TestReadFileRetry_EventualSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.xml")

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		os.WriteFile(path, []byte("arrived"), 0o644)
	}()

	data, err := ReadFileRetry(path, 50, 5*time.Millisecond)
	<-done
	if err != nil {
		t.Fatalf("ReadFileRetry should have ridden out the missing window: %v", err)
	}
	if string(data) != "arrived" {
		t.Errorf("data = %q", data)
	}
}

func TestReadFileRetry_Exhausted(t *testing.T) {
	_, err := ReadFileRetry(filepath.Join(t.TempDir(), "never.xml"), 2, time.Millisecond)
	if err == nil {
		t.Fatal("expected error for a file that never appears")
	}
}

func TestFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.lua")
	os.WriteFile(path, []byte("x"), 0o600)

	if got := FileMode(path, 0o644); got != 0o600 {
		t.Errorf("FileMode = %o", got)
	}
	if got := FileMode(path+".missing", 0o644); got != 0o644 {
		t.Errorf("fallback mode = %o", got)
	}
}
