package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the single immutable value built by the CLI layer and passed
// into New. No component below the orchestrator reads ambient/global
// configuration; everything flows through this value and its derived
// calls.
type Config struct {
	ImagePath string

	Create      bool // -c
	Sync        bool // -s
	Maintenance bool // -M
	PreMount    bool // -m
	NoAutoclear bool // -n
	ResizeRoot  bool // -r
	Debug       bool // -d
	Verbose     bool // -v
	Quiet       bool // -q

	// PctFree is the target free-space percentage used by the Resize
	// Planner. Defaults to 20 when zero.
	PctFree int

	// StagingRoot is the private directory where image partitions are
	// mounted, mirroring the source's mount points.
	StagingRoot string

	// ExcludesFile optionally names a YAML sidecar of additional rsync
	// exclusion paths, merged into the root replication's exclusion set.
	ExcludesFile string

	// MetricsTextfile optionally names a path to write a Prometheus
	// text-exposition snapshot of the run after cleanup.
	MetricsTextfile string
}

var (
	// ErrNotRoot is returned when the process does not have effective
	// UID 0.
	ErrNotRoot = errors.New("imgsync must run as root")
	// ErrFlagConflict is returned for an invalid combination of flags.
	ErrFlagConflict = errors.New("conflicting flags")
	// ErrImagePathDirMissing is returned when the image path's parent
	// directory does not exist.
	ErrImagePathDirMissing = errors.New("image path directory does not exist")
	// ErrImageExists is returned by Create mode when the image file
	// already exists.
	ErrImageExists = errors.New("image file already exists")
	// ErrImageMissing is returned by Sync mode when the image file does
	// not exist.
	ErrImageMissing = errors.New("image file does not exist")
	// ErrTooFewPartitions is returned when the source disk has fewer
	// than two partitions.
	ErrTooFewPartitions = errors.New("source disk has fewer than two partitions")
	// ErrImageOnSourceDisk is returned when the image's host directory
	// resolves to the same physical disk as the source, and the run is
	// not resize-only.
	ErrImageOnSourceDisk = errors.New("image directory is on the source disk")
	// ErrLocked is returned when another imgsync invocation already holds
	// the advisory lock on this image path.
	ErrLocked = errors.New("image is locked by another imgsync run")
)

// effectiveFreePercent returns cfg.PctFree, defaulting to 20.
func (cfg Config) effectiveFreePercent() int {
	if cfg.PctFree == 0 {
		return 20
	}
	return cfg.PctFree
}

// defaultExcludesFileName is the sidecar name consulted next to the image
// file when -excludes-file is not given explicitly.
const defaultExcludesFileName = "imgsync-excludes.yaml"

// effectiveExcludesFile returns cfg.ExcludesFile, defaulting to
// <image-dir>/imgsync-excludes.yaml. Load treats a missing file as "no
// excludes", so this default is harmless when the sidecar doesn't exist.
func (cfg Config) effectiveExcludesFile() string {
	if cfg.ExcludesFile != "" {
		return cfg.ExcludesFile
	}
	return filepath.Join(filepath.Dir(cfg.ImagePath), defaultExcludesFileName)
}

// validateFlags checks the precondition error kind: root privilege and
// mutually-exclusive/dependent flag combinations. It does not touch the
// filesystem; that happens once the source has been probed (see
// validateImagePath).
func validateFlags(cfg Config, euid int) error {
	if euid != 0 {
		return ErrNotRoot
	}
	if cfg.Create == cfg.Sync {
		return fmt.Errorf("%w: exactly one of -c or -s is required", ErrFlagConflict)
	}
	if cfg.NoAutoclear && !cfg.Maintenance {
		return fmt.Errorf("%w: -n requires -M", ErrFlagConflict)
	}
	if cfg.Verbose && cfg.Quiet {
		return fmt.Errorf("%w: -v and -q are mutually exclusive", ErrFlagConflict)
	}
	return nil
}

// validateImagePath checks that the image path's directory exists and
// that Create/Sync mode agrees with whether the file already exists.
func validateImagePath(cfg Config) error {
	dir := filepath.Dir(cfg.ImagePath)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrImagePathDirMissing, dir)
	}

	_, err := os.Stat(cfg.ImagePath)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checking image path %s: %w", cfg.ImagePath, err)
	}

	if cfg.Create && exists {
		return fmt.Errorf("%w: %s", ErrImageExists, cfg.ImagePath)
	}
	if cfg.Sync && !exists {
		return fmt.Errorf("%w: %s", ErrImageMissing, cfg.ImagePath)
	}
	return nil
}

