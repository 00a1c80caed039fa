package imagefile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klpgo/imgsync/pkg/runner"
)

func TestCreate_WritesExactSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.img")

	if err := Create(path, 100); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info.Size() != 100*SectorSize {
		t.Errorf("Create() size = %d, want %d", info.Size(), 100*SectorSize)
	}
}

func TestCreate_FailsWhenFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.img")

	if err := Create(path, 10); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := Create(path, 10); err == nil {
		t.Fatal("Create() expected error when file already exists")
	}
}

func TestExtend_AppendsZeroes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.img")

	if err := Create(path, 10); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := Extend(path, 5); err != nil {
		t.Fatalf("Extend() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info.Size() != 15*SectorSize {
		t.Errorf("Extend() size = %d, want %d", info.Size(), 15*SectorSize)
	}
}

func TestTruncate_ShrinksByExactByteCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.img")

	if err := Create(path, 20); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	r := runner.New(false)
	if err := Truncate(context.Background(), r, path, 8); err != nil {
		t.Fatalf("Truncate() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info.Size() != 12*SectorSize {
		t.Errorf("Truncate() size = %d, want %d", info.Size(), 12*SectorSize)
	}
}
