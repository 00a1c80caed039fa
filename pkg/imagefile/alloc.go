// Package imagefile creates and resizes the sparse-or-dense regular file
// that holds an image's partition table and partition filesystems.
package imagefile

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"k8s.io/klog/v2"

	"github.com/klpgo/imgsync/pkg/runner"
)

// SectorSize is the fixed block unit used throughout the core: 512 bytes.
const SectorSize = 512

// Create creates a new regular file of exactly sectors*SectorSize zero
// bytes, writing in 512-byte stripes. A short write at any stripe aborts
// the run; the partially written file is left on disk for inspection.
func Create(path string, sectors int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating image file %s: %w", path, err)
	}
	defer f.Close()

	klog.Infof("imagefile: creating %s (%d sectors, %d bytes)", path, sectors, sectors*SectorSize)
	if err := zeroStripes(f, sectors); err != nil {
		return fmt.Errorf("creating image file %s: %w", path, err)
	}
	return f.Sync()
}

// Extend appends extraSectors worth of zero bytes to the file at path.
func Extend(path string, extraSectors int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("extending image file %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("extending image file %s: %w", path, err)
	}

	klog.Infof("imagefile: extending %s by %d sectors (%d bytes)", path, extraSectors, extraSectors*SectorSize)
	if err := zeroStripes(f, extraSectors); err != nil {
		return fmt.Errorf("extending image file %s: %w", path, err)
	}
	return f.Sync()
}

func zeroStripes(f *os.File, sectors int64) error {
	stripe := make([]byte, SectorSize)
	for i := int64(0); i < sectors; i++ {
		n, err := f.Write(stripe)
		if err != nil {
			return fmt.Errorf("short write at stripe %d: %w", i, err)
		}
		if n != SectorSize {
			return fmt.Errorf("short write at stripe %d: wrote %d of %d bytes", i, n, SectorSize)
		}
	}
	return nil
}

// Truncate reduces the file at path by exactly shrinkSectors*SectorSize
// bytes, delegated to the external truncator for atomicity.
func Truncate(ctx context.Context, r *runner.Runner, path string, shrinkSectors int64) error {
	deltaBytes := shrinkSectors * SectorSize
	klog.Infof("imagefile: truncating %s by %d bytes", path, deltaBytes)

	res, err := r.Run(ctx, runner.Buffer, "truncate", "--size=-"+strconv.FormatInt(deltaBytes, 10), path)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("truncate %s: exit %d: %s", path, res.ExitCode, res.Output)
	}
	return nil
}
