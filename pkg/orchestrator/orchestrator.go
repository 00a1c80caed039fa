// Package orchestrator drives imgsync's create/sync/maintenance modes,
// sequencing the Command Runner, System Probe, Partition Table Codec,
// Image Allocator, Loop Manager, Resize Planner/Executor, and Sync Driver,
// and installing cleanup on every exit path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"

	"github.com/klpgo/imgsync/pkg/excludes"
	"github.com/klpgo/imgsync/pkg/imagefile"
	"github.com/klpgo/imgsync/pkg/loopdev"
	"github.com/klpgo/imgsync/pkg/metrics"
	"github.com/klpgo/imgsync/pkg/mount"
	"github.com/klpgo/imgsync/pkg/parttable"
	"github.com/klpgo/imgsync/pkg/replicate"
	"github.com/klpgo/imgsync/pkg/resize"
	"github.com/klpgo/imgsync/pkg/runner"
	"github.com/klpgo/imgsync/pkg/sysprobe"
)

// Root replication always excludes these paths in addition to whatever the
// administrator's excludes sidecar adds.
var fixedRootExcludes = []string{"/tmp", "lost+found"}

// Orchestrator runs one create/sync/maintenance invocation end to end.
type Orchestrator struct {
	cfg Config

	runner     *runner.Runner
	probe      *sysprobe.Probe
	loops      *loopdev.Manager
	executor   *resize.Executor
	replicator *replicate.Driver
	recorder   *metrics.Recorder

	geteuid func() int

	lastPlan *resize.Plan
}

// New builds an Orchestrator from cfg, wiring every component onto a
// single shared Runner.
func New(cfg Config) *Orchestrator {
	r := runner.New(cfg.Debug)
	loops := loopdev.New(r)
	probe := sysprobe.New(r)
	return &Orchestrator{
		cfg:        cfg,
		runner:     r,
		probe:      probe,
		loops:      loops,
		executor:   resize.NewExecutor(r, loops),
		replicator: replicate.New(r, loops, probe),
		recorder:   metrics.NewRecorder(),
		geteuid:    os.Geteuid,
	}
}

// LastCommand returns the most recently executed external command, or nil
// if none has run yet. Consumed by the CLI's debug-mode failure reporting.
func (o *Orchestrator) LastCommand() *runner.Result {
	return o.runner.LastCommand()
}

// LastPlan returns the resize plan computed during the most recent Run, or
// nil if resizing was disabled or Run has not completed planning yet.
// Consumed by the CLI's debug-mode plan summary.
func (o *Orchestrator) LastPlan() *resize.Plan {
	return o.lastPlan
}

// sourceInfo bundles what probing the live host produces: the full mount
// table, the source partition table, and which device/filesystem backs
// root specifically.
type sourceInfo struct {
	table      *parttable.PartitionTable
	bindings   []sysprobe.MountBinding
	rootDevice string
	rootFSType string
}

// Run executes the full create/sync state machine:
//
//	validate -> probe source -> choose mode ->
//	  (allocate+write PT | read image PT) -> plan resize (if -r) ->
//	  attach root loop (cleanup armed) -> execute resize (sync only) ->
//	  format root (create only) ->
//	  mount root, attach+mount others ->
//	  maintenance? (print instructions, disarm, exit 0) | replicate all ->
//	  cleanup -> exit
func (o *Orchestrator) Run(ctx context.Context) (runErr error) {
	mode := "sync"
	if o.cfg.Create {
		mode = "create"
	}
	start := time.Now()
	defer func() {
		o.recorder.RecordRun(mode, runErr == nil, time.Since(start))
		if o.cfg.MetricsTextfile != "" {
			if err := o.recorder.WriteTextfile(o.cfg.MetricsTextfile); err != nil {
				klog.Warningf("orchestrator: writing metrics textfile: %v", err)
			}
		}
	}()

	klog.Infof("orchestrator: validating")
	if err := validateFlags(o.cfg, o.geteuid()); err != nil {
		return err
	}

	if o.cfg.PreMount {
		hostDir := filepath.Dir(o.cfg.ImagePath)
		if err := mount.MountPath(ctx, o.runner, hostDir); err != nil {
			return fmt.Errorf("orchestrator: pre-mounting image host directory: %w", err)
		}
		defer func() {
			if err := mount.UnmountStale(context.Background(), o.runner, o.probe, hostDir); err != nil {
				klog.Warningf("orchestrator: unmounting image host directory: %v", err)
			}
		}()
	}

	if err := validateImagePath(o.cfg); err != nil {
		return err
	}

	unlock, err := acquireLock(o.cfg.ImagePath)
	if err != nil {
		return err
	}
	defer unlock()

	klog.Infof("orchestrator: probing source")
	src, err := o.probeSource(ctx)
	if err != nil {
		return err
	}
	if err := o.checkImageHostDisk(ctx, src); err != nil {
		return err
	}

	adminExcludes, err := excludes.Load(o.cfg.effectiveExcludesFile())
	if err != nil {
		return err
	}

	resizeEnabled := o.cfg.ResizeRoot
	if resizeEnabled && len(src.table.Parts) != 2 {
		klog.Warningf("orchestrator: -r disabled, source has %d partitions, need exactly 2", len(src.table.Parts))
		resizeEnabled = false
	}

	klog.Infof("orchestrator: choosing mode (create=%t)", o.cfg.Create)
	imageTable, plan, err := o.prepareImageTable(ctx, src, resizeEnabled)
	if err != nil {
		return err
	}
	o.lastPlan = plan

	guard := loopdev.NewGuard()
	cleanupArmed := false
	defer func() {
		if !cleanupArmed {
			return
		}
		for _, cleanupErr := range guard.Run(context.Background()) {
			klog.Warningf("orchestrator: cleanup error: %v", cleanupErr)
		}
	}()

	rootPart := imageTable.Parts[len(imageTable.Parts)-1]
	rootDevice, err := o.loops.AttachNextFree(ctx, o.cfg.ImagePath, rootPart.StartSector*imagefile.SectorSize, 0, false)
	if err != nil {
		return err
	}
	cleanupArmed = true
	klog.Infof("orchestrator: attached root loop %s", rootDevice)

	// Registered the moment the attach succeeds, not after the mount/resize
	// steps that follow: any of those can still fail and return early, and
	// the root loop must be released on that path too. Skipped at release
	// time once SetAutoclear below actually takes hold.
	rootAutocleared := false
	guard.Defer(func(ctx context.Context) error {
		if rootAutocleared {
			return nil
		}
		return o.loops.Detach(ctx, rootDevice)
	})

	if !o.cfg.Create && plan != nil && plan.Decision != resize.Noop {
		imageTable, err = o.executeResize(ctx, rootDevice, imageTable, plan)
		if err != nil {
			return err
		}
	}

	if err := o.replicator.MountRoot(ctx, rootDevice, o.cfg.StagingRoot, src.rootFSType, o.cfg.Create); err != nil {
		return err
	}
	wantRootAutoclear := !o.cfg.Maintenance || !o.cfg.NoAutoclear
	if wantRootAutoclear {
		if err := o.loops.SetAutoclear(ctx, rootDevice); err != nil {
			return err
		}
		rootAutocleared = true
	}
	guard.Defer(func(ctx context.Context) error { return mount.UnmountStale(ctx, o.runner, o.probe, o.cfg.StagingRoot) })

	parts := buildReplicatePartitions(src, imageTable)
	if err := o.replicator.MountSecondaries(ctx, o.cfg.ImagePath, o.cfg.StagingRoot, parts, o.cfg.Create, o.cfg.NoAutoclear, guard); err != nil {
		return err
	}

	if o.cfg.Maintenance {
		o.printMaintenanceInstructions(rootDevice, rootAutocleared, parts)
		cleanupArmed = false
		return nil
	}

	imageExclude, err := filepath.Abs(o.cfg.ImagePath)
	if err != nil {
		return fmt.Errorf("orchestrator: resolving image path: %w", err)
	}
	rootExcludes := append(append(append([]string{}, fixedRootExcludes...), imageExclude), adminExcludes...)
	replicateStart := time.Now()
	if err := replicate.ReplicateAll(ctx, o.runner, o.cfg.StagingRoot, parts, rootExcludes); err != nil {
		return err
	}
	o.recorder.RecordReplication("/", time.Since(replicateStart))

	klog.Infof("orchestrator: run complete")
	return nil
}

// probeSource reads the live mount table and the source disk's partition
// table, and resolves which device/filesystem backs root.
func (o *Orchestrator) probeSource(ctx context.Context) (*sourceInfo, error) {
	bindings, err := o.probe.ListMountBindings(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: listing mounts: %w", err)
	}

	rootDevice, rootFSType, err := o.probe.FSOf(ctx, "/")
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolving root device: %w", err)
	}
	sourceDisk, err := o.probe.ParentDisk(ctx, rootDevice)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolving source disk: %w", err)
	}

	table, err := parttable.Read(ctx, o.runner, sourceDisk)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reading source partition table: %w", err)
	}
	if len(table.Parts) < 2 {
		return nil, fmt.Errorf("%w: found %d", ErrTooFewPartitions, len(table.Parts))
	}

	return &sourceInfo{table: table, bindings: bindings, rootDevice: rootDevice, rootFSType: rootFSType}, nil
}

// checkImageHostDisk rejects an image directory that lives on the same
// physical disk as the source, unless this run is resize-only sync (-s -r
// against an existing image, with no content replication implications
// beyond the resize itself).
func (o *Orchestrator) checkImageHostDisk(ctx context.Context, src *sourceInfo) error {
	hostMountPoint, _, _, err := o.probe.MountOf(ctx, filepath.Dir(o.cfg.ImagePath))
	if err != nil {
		// Not fatal: if df can't resolve the host directory's mount point we
		// simply can't compare disks, so let the run proceed.
		return nil
	}
	hostDevice, _, err := o.probe.FSOf(ctx, hostMountPoint)
	if err != nil {
		return nil
	}
	hostDisk, err := o.probe.ParentDisk(ctx, hostDevice)
	if err != nil {
		return nil
	}
	if hostDisk != src.table.Device {
		return nil
	}
	if o.cfg.Sync && o.cfg.ResizeRoot {
		klog.Warningf("orchestrator: image directory is on the source disk; proceeding because this run only resizes")
		return nil
	}
	return fmt.Errorf("%w: %s", ErrImageOnSourceDisk, hostDisk)
}

// prepareImageTable returns the image's partition table (freshly
// allocated in Create mode, read from the existing image in Sync mode)
// and, if resizing is enabled, the plan used to size or re-size root.
func (o *Orchestrator) prepareImageTable(ctx context.Context, src *sourceInfo, resizeEnabled bool) (*parttable.PartitionTable, *resize.Plan, error) {
	if o.cfg.Create {
		return o.allocateImage(ctx, src, resizeEnabled)
	}
	return o.readExistingImage(ctx, src, resizeEnabled)
}

func (o *Orchestrator) allocateImage(ctx context.Context, src *sourceInfo, resizeEnabled bool) (*parttable.PartitionTable, *resize.Plan, error) {
	imageTable := cloneTable(src.table, o.cfg.ImagePath)

	var plan *resize.Plan
	if resizeEnabled {
		_, _, usedSectors, err := o.probe.MountOf(ctx, "/")
		if err != nil {
			return nil, nil, fmt.Errorf("orchestrator: measuring root usage: %w", err)
		}
		p, err := resize.Plan(resize.Create, 0, usedSectors, o.cfg.effectiveFreePercent())
		if err != nil {
			return nil, nil, fmt.Errorf("orchestrator: planning root size: %w", err)
		}
		plan = p
		o.recorder.RecordResizeDecision(p.Decision.String())
		imageTable, err = parttable.ResizeRoot(imageTable, p.Target)
		if err != nil {
			return nil, nil, fmt.Errorf("orchestrator: sizing root partition: %w", err)
		}
	}

	last := imageTable.Parts[len(imageTable.Parts)-1]
	totalSectors := last.StartSector + last.SizeSectors
	if err := imagefile.Create(o.cfg.ImagePath, totalSectors); err != nil {
		return nil, nil, fmt.Errorf("orchestrator: allocating image: %w", err)
	}
	o.recorder.AddBytesAllocated(totalSectors * imagefile.SectorSize)

	if err := parttable.Write(ctx, o.runner, o.cfg.ImagePath, imageTable); err != nil {
		return nil, nil, fmt.Errorf("orchestrator: writing image partition table: %w", err)
	}
	return imageTable, plan, nil
}

func (o *Orchestrator) readExistingImage(ctx context.Context, src *sourceInfo, resizeEnabled bool) (*parttable.PartitionTable, *resize.Plan, error) {
	imageTable, err := parttable.Read(ctx, o.runner, o.cfg.ImagePath)
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: reading image partition table: %w", err)
	}
	if len(imageTable.Parts) != len(src.table.Parts) {
		return nil, nil, fmt.Errorf("orchestrator: image has %d partitions, source has %d", len(imageTable.Parts), len(src.table.Parts))
	}

	if !resizeEnabled {
		return imageTable, nil, nil
	}

	rootImagePart := imageTable.Parts[len(imageTable.Parts)-1]
	_, _, usedSectors, err := o.probe.MountOf(ctx, "/")
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: measuring root usage: %w", err)
	}
	plan, err := resize.Plan(resize.Sync, rootImagePart.SizeSectors, usedSectors, o.cfg.effectiveFreePercent())
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: planning resize: %w", err)
	}
	o.recorder.RecordResizeDecision(plan.Decision.String())
	return imageTable, plan, nil
}

// executeResize applies plan against the already-attached root loop and
// returns the updated image partition table.
func (o *Orchestrator) executeResize(ctx context.Context, rootDevice string, imageTable *parttable.PartitionTable, plan *resize.Plan) (*parttable.PartitionTable, error) {
	switch plan.Decision {
	case resize.Grow:
		klog.Infof("orchestrator: growing root to %d sectors", plan.Target)
		newTable, err := o.executor.Grow(ctx, rootDevice, o.cfg.ImagePath, imageTable, plan)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: growing root: %w", err)
		}
		o.recorder.AddBytesExtended((plan.Target - plan.CurrentSize) * imagefile.SectorSize)
		return newTable, nil

	case resize.Shrink:
		klog.Infof("orchestrator: remeasuring root usage before shrink")
		used, err := o.executor.Remeasure(ctx,
			func(ctx context.Context) error {
				return mount.Mount(ctx, o.runner, rootDevice, o.cfg.StagingRoot, resizableFSType, nil)
			},
			func(ctx context.Context) error { return mount.Unmount(ctx, o.runner, o.cfg.StagingRoot) },
			func(ctx context.Context) (int64, error) {
				_, _, usedSectors, err := o.probe.MountOf(ctx, o.cfg.StagingRoot)
				return usedSectors, err
			},
		)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: remeasuring before shrink: %w", err)
		}

		newTable, err := o.executor.Shrink(ctx, rootDevice, o.cfg.ImagePath, imageTable, plan, used)
		if err == nil {
			o.recorder.AddBytesTruncated((plan.CurrentSize - plan.Target) * imagefile.SectorSize)
			return newTable, nil
		}
		if errors.Is(err, resize.ErrShrinkRefused) {
			klog.Warningf("orchestrator: shrink refused, continuing with unchanged root size: %v", err)
			return imageTable, nil
		}
		return nil, fmt.Errorf("orchestrator: shrinking root: %w", err)

	default:
		return imageTable, nil
	}
}

// resizableFSType is the only root filesystem type the Resize Executor's
// fsck/resize2fs calls understand; remeasuring before a shrink mounts with
// this type rather than the source's reported type, matching
// sysprobe.ResizableFSTypes.
const resizableFSType = "ext4"

// printMaintenanceInstructions tells the operator how to leave maintenance
// mode: unmount the staging tree and, if loop devices were left attached
// (-n), detach them too.
func (o *Orchestrator) printMaintenanceInstructions(rootDevice string, rootAutocleared bool, parts []replicate.Partition) {
	fmt.Println("Maintenance mode: staging tree left mounted for inspection.")
	fmt.Println("When finished, unmount in this order:")
	for _, p := range parts {
		if p.IsRoot {
			continue
		}
		fmt.Printf("  umount %s\n", filepath.Join(o.cfg.StagingRoot, p.MountPoint))
	}
	fmt.Printf("  umount %s\n", o.cfg.StagingRoot)
	if !rootAutocleared {
		fmt.Println("Loop devices were left attached (-n). List them with `losetup -a`; detach with `losetup -d <device>`, starting with:")
		fmt.Printf("  losetup -d %s\n", rootDevice)
	}
}

// acquireLock takes an advisory, best-effort lock against concurrent
// imgsync invocations targeting the same image, via an exclusively
// created sentinel file next to it. It returns a release function that
// removes the sentinel; the caller must call it on every exit path.
func acquireLock(imagePath string) (release func(), err error) {
	lockPath := imagePath + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
		}
		return nil, fmt.Errorf("orchestrator: creating lock %s: %w", lockPath, err)
	}
	f.Close()
	return func() {
		if err := os.Remove(lockPath); err != nil {
			klog.Warningf("orchestrator: removing lock %s: %v", lockPath, err)
		}
	}, nil
}

// cloneTable returns a copy of src with Device replaced by imagePath, for
// writing out as a fresh image partition table.
func cloneTable(src *parttable.PartitionTable, imagePath string) *parttable.PartitionTable {
	out := *src
	out.Device = imagePath
	out.Parts = append([]parttable.Partition(nil), src.Parts...)
	return &out
}

// buildReplicatePartitions pairs each source-table partition with its
// image-table counterpart and the live mount point/filesystem backing it,
// in source-table order. A source partition with no corresponding live
// mount (e.g. an unmounted swap partition) is skipped with a warning.
func buildReplicatePartitions(src *sourceInfo, imageTable *parttable.PartitionTable) []replicate.Partition {
	bindingByDevice := make(map[string]sysprobe.MountBinding, len(src.bindings))
	for _, b := range src.bindings {
		bindingByDevice[b.Source] = b
	}

	parts := make([]replicate.Partition, 0, len(src.table.Parts))
	for i, sp := range src.table.Parts {
		imagePart := imageTable.Parts[i]

		if sp.DevicePath == src.rootDevice {
			parts = append(parts, replicate.Partition{
				SourceDevice: sp.DevicePath,
				MountPoint:   "/",
				FSType:       src.rootFSType,
				IsRoot:       true,
				Image:        imagePart,
			})
			continue
		}

		binding, ok := bindingByDevice[sp.DevicePath]
		if !ok {
			klog.Warningf("orchestrator: partition %s is not mounted, skipping replication", sp.DevicePath)
			continue
		}
		parts = append(parts, replicate.Partition{
			SourceDevice: sp.DevicePath,
			MountPoint:   binding.MountPoint,
			FSType:       binding.FSType,
			IsRoot:       false,
			Image:        imagePart,
		})
	}
	return parts
}
