package resize

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/klpgo/imgsync/pkg/imagefile"
	"github.com/klpgo/imgsync/pkg/loopdev"
	"github.com/klpgo/imgsync/pkg/parttable"
	"github.com/klpgo/imgsync/pkg/runner"
)

// ErrShrinkRefused is returned when a shrink would leave less than the
// required safety margin of free space on the root filesystem; the caller
// should treat this as a Noop instead of aborting the run.
var ErrShrinkRefused = errors.New("resize: shrink refused, insufficient free space margin")

// shrinkSafetyFactor is the minimum ratio of target size to re-measured
// used sectors a shrink must preserve; below it the shrink is refused.
const shrinkSafetyFactor = 1.05

// Executor applies a Plan's decision against a live root loop device,
// following a fixed fsck/resize2fs/partition-rewrite ordering. Every
// Grow/Shrink call assumes device is currently unmounted except where
// noted.
type Executor struct {
	runner *runner.Runner
	loops  *loopdev.Manager
}

// NewExecutor creates an Executor bound to r and loops.
func NewExecutor(r *runner.Runner, loops *loopdev.Manager) *Executor {
	return &Executor{runner: r, loops: loops}
}

// Grow enlarges the root partition and filesystem on device to
// plan.Target sectors. table is the current partition table of the image
// at imagePath; Grow extends the backing file, rewrites the table, and
// returns the updated table.
func (e *Executor) Grow(ctx context.Context, device, imagePath string, table *parttable.PartitionTable, plan *Plan) (*parttable.PartitionTable, error) {
	if plan.Decision != Grow {
		return nil, fmt.Errorf("resize: Grow called with decision %v", plan.Decision)
	}

	extraSectors := plan.Target - plan.CurrentSize
	if extraSectors <= 0 {
		return nil, fmt.Errorf("resize: grow target %d is not larger than current size %d", plan.Target, plan.CurrentSize)
	}
	if err := imagefile.Extend(imagePath, extraSectors); err != nil {
		return nil, fmt.Errorf("resize: extending image: %w", err)
	}

	newTable, err := parttable.ResizeRoot(table, plan.Target)
	if err != nil {
		return nil, fmt.Errorf("resize: rewriting partition table: %w", err)
	}
	if err := parttable.Write(ctx, e.runner, imagePath, newTable); err != nil {
		return nil, fmt.Errorf("resize: writing partition table: %w", err)
	}
	if err := e.loops.Reread(ctx, device); err != nil {
		return nil, fmt.Errorf("resize: reread after partition rewrite: %w", err)
	}
	if err := e.fsck(ctx, device, fsckRepair); err != nil {
		return nil, fmt.Errorf("resize: pre-grow fsck: %w", err)
	}
	if err := e.resize2fs(ctx, device, plan.Target); err != nil {
		return nil, fmt.Errorf("resize: resize2fs to %d sectors: %w", plan.Target, err)
	}
	if err := e.loops.Reread(ctx, device); err != nil {
		return nil, fmt.Errorf("resize: reread after resize2fs: %w", err)
	}
	if err := e.resize2fs(ctx, device, 0); err != nil {
		return nil, fmt.Errorf("resize: final resize2fs to device limit: %w", err)
	}
	if err := e.fsck(ctx, device, fsckCheckOnly); err != nil {
		return nil, fmt.Errorf("resize: post-grow fsck: %w", err)
	}

	klog.Infof("resize: grew %s to %d sectors", device, plan.Target)
	return newTable, nil
}

// Remeasure mounts device read-write at mountPoint to obtain an
// up-to-date used-sector count, then unmounts it again. Shrink planning
// is always based on the source's last-known usage, which may be stale
// by the time replication finishes; Remeasure corrects for that before
// the safety check in Shrink.
func (e *Executor) Remeasure(ctx context.Context, mount func(ctx context.Context) error, unmount func(ctx context.Context) error, usedSectors func(ctx context.Context) (int64, error)) (int64, error) {
	if err := mount(ctx); err != nil {
		return 0, fmt.Errorf("resize: mounting for remeasure: %w", err)
	}
	used, measureErr := usedSectors(ctx)
	if err := unmount(ctx); err != nil {
		klog.Warningf("resize: unmounting after remeasure: %v", err)
	}
	if measureErr != nil {
		return 0, fmt.Errorf("resize: measuring used sectors: %w", measureErr)
	}
	return used, nil
}

// Shrink reduces the root partition and filesystem on device to
// plan.Target sectors. remeasuredUsed is the used-sector count obtained
// from Remeasure; if plan.Target is less than shrinkSafetyFactor times
// remeasuredUsed, Shrink refuses and returns ErrShrinkRefused without
// touching anything.
func (e *Executor) Shrink(ctx context.Context, device, imagePath string, table *parttable.PartitionTable, plan *Plan, remeasuredUsed int64) (*parttable.PartitionTable, error) {
	if plan.Decision != Shrink {
		return nil, fmt.Errorf("resize: Shrink called with decision %v", plan.Decision)
	}
	if float64(plan.Target) < shrinkSafetyFactor*float64(remeasuredUsed) {
		klog.Warningf("resize: refusing shrink to %d sectors, remeasured usage %d leaves too little margin", plan.Target, remeasuredUsed)
		return nil, ErrShrinkRefused
	}

	if err := e.fsck(ctx, device, fsckRepair); err != nil {
		return nil, fmt.Errorf("resize: pre-shrink fsck: %w", err)
	}
	if err := e.resize2fs(ctx, device, plan.Target); err != nil {
		return nil, fmt.Errorf("resize: resize2fs to %d sectors: %w", plan.Target, err)
	}

	shrinkSectors := plan.CurrentSize - plan.Target
	if shrinkSectors <= 0 {
		return nil, fmt.Errorf("resize: shrink target %d is not smaller than current size %d", plan.Target, plan.CurrentSize)
	}
	if err := imagefile.Truncate(ctx, e.runner, imagePath, shrinkSectors); err != nil {
		return nil, fmt.Errorf("resize: truncating image: %w", err)
	}

	newTable, err := parttable.ResizeRoot(table, plan.Target)
	if err != nil {
		return nil, fmt.Errorf("resize: rewriting partition table: %w", err)
	}
	if err := parttable.Write(ctx, e.runner, imagePath, newTable); err != nil {
		return nil, fmt.Errorf("resize: writing partition table: %w", err)
	}
	if err := e.loops.Reread(ctx, device); err != nil {
		return nil, fmt.Errorf("resize: reread after truncate: %w", err)
	}
	if err := e.resize2fs(ctx, device, 0); err != nil {
		return nil, fmt.Errorf("resize: final resize2fs to device limit: %w", err)
	}
	if err := e.fsck(ctx, device, fsckCheckOnly); err != nil {
		return nil, fmt.Errorf("resize: post-shrink fsck: %w", err)
	}

	klog.Infof("resize: shrank %s to %d sectors", device, plan.Target)
	return newTable, nil
}

type fsckMode int

const (
	// fsckRepair runs e2fsck -fy: force a check, assume yes to repairs.
	fsckRepair fsckMode = iota
	// fsckCheckOnly runs e2fsck -pf: automatically repair what is safe,
	// force a check even on a clean filesystem.
	fsckCheckOnly
)

func (e *Executor) fsck(ctx context.Context, device string, mode fsckMode) error {
	var args []string
	switch mode {
	case fsckRepair:
		args = []string{"-f", "-y", device}
	case fsckCheckOnly:
		args = []string{"-p", "-f", device}
	}

	res, err := e.runner.Run(ctx, runner.Buffer, "e2fsck", args...)
	if err != nil {
		return err
	}
	// e2fsck exit code 1 means errors were corrected; that is success for
	// our purposes. Anything >= 4 indicates an uncorrected or fatal error.
	if res.ExitCode >= 4 {
		return fmt.Errorf("e2fsck %s: exit %d: %s", device, res.ExitCode, res.Output)
	}
	return nil
}

func (e *Executor) resize2fs(ctx context.Context, device string, targetSectors int64) error {
	args := []string{device}
	if targetSectors > 0 {
		args = []string{device, fmt.Sprintf("%ds", targetSectors)}
	}

	res, err := e.runner.Run(ctx, runner.Buffer, "resize2fs", args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("resize2fs %v: exit %d: %s", args, res.ExitCode, res.Output)
	}
	return nil
}
