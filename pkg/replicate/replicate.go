// Package replicate mounts image partitions under a staging tree matching
// the source's mount layout, then synchronizes each source mount point
// onto its image counterpart with the correct exclusion set.
package replicate

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/klpgo/imgsync/pkg/loopdev"
	"github.com/klpgo/imgsync/pkg/mount"
	"github.com/klpgo/imgsync/pkg/parttable"
	"github.com/klpgo/imgsync/pkg/runner"
	"github.com/klpgo/imgsync/pkg/sysprobe"
)

// Partition pairs a source mount binding with its corresponding image
// partition, so the driver knows both where to read from and where (and
// at what offset/size) to attach the image side.
type Partition struct {
	SourceDevice string
	MountPoint   string // e.g. "/" for root, "/boot" for a secondary
	FSType       string
	IsRoot       bool
	Image        parttable.Partition
}

// Driver mounts image partitions and replicates source content onto them.
type Driver struct {
	runner *runner.Runner
	loops  *loopdev.Manager
	probe  *sysprobe.Probe
}

// New creates a Driver bound to r, loops, and probe (used only by cleanup,
// to confirm a staging mount is genuinely stale before forcing it).
func New(r *runner.Runner, loops *loopdev.Manager, probe *sysprobe.Probe) *Driver {
	return &Driver{runner: r, loops: loops, probe: probe}
}

// MountRoot mounts rootDevice — already attached and, if applicable,
// resized by the caller — at stagingRoot. In Create mode it is formatted
// first with fsType, matching the live source's filesystem.
func (d *Driver) MountRoot(ctx context.Context, rootDevice, stagingRoot, fsType string, createMode bool) error {
	if createMode {
		if err := formatPartition(ctx, d.runner, rootDevice, fsType); err != nil {
			return fmt.Errorf("replicate: formatting root: %w", err)
		}
	}
	if err := mount.Mount(ctx, d.runner, rootDevice, stagingRoot, fsType, nil); err != nil {
		return fmt.Errorf("replicate: mounting root: %w", err)
	}
	return nil
}

// MountSecondaries attaches a loop device to each non-root partition in
// parts, formats it in Create mode, and mounts it under
// <stagingRoot>/<MountPoint>. Every partition's attach+mount is independent
// of the others, so the work runs concurrently via errgroup; replication
// order is a separate, later, sequential step. Every acquired loop device
// and mount is registered on guard for teardown, whether or not this call
// ultimately succeeds.
func (d *Driver) MountSecondaries(ctx context.Context, imagePath, stagingRoot string, parts []Partition, createMode, noAutoclear bool, guard *loopdev.Guard) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, part := range parts {
		if part.IsRoot {
			continue
		}
		part := part
		g.Go(func() error {
			return d.mountSecondary(gctx, imagePath, stagingRoot, part, createMode, noAutoclear, guard)
		})
	}
	return g.Wait()
}

func (d *Driver) mountSecondary(ctx context.Context, imagePath, stagingRoot string, part Partition, createMode, noAutoclear bool, guard *loopdev.Guard) error {
	offsetBytes := part.Image.StartSector * 512
	sizeLimitBytes := part.Image.SizeSectors * 512
	device, err := d.loops.AttachNextFree(ctx, imagePath, offsetBytes, sizeLimitBytes, true)
	if err != nil {
		return fmt.Errorf("replicate: attaching loop device for %s: %w", part.MountPoint, err)
	}
	// Registered the moment the attach succeeds, not after format/mount,
	// which can still fail and return early. Skipped at release time once
	// SetAutoclear below actually takes hold, since the kernel then
	// releases the device itself the moment its mount drops.
	autocleared := false
	guard.Defer(func(ctx context.Context) error {
		if autocleared {
			return nil
		}
		return d.loops.Detach(ctx, device)
	})

	if createMode {
		if err := formatPartition(ctx, d.runner, device, part.FSType); err != nil {
			return fmt.Errorf("replicate: formatting %s: %w", part.MountPoint, err)
		}
	}

	target := filepath.Join(stagingRoot, part.MountPoint)
	if err := mount.Mount(ctx, d.runner, device, target, part.FSType, nil); err != nil {
		return fmt.Errorf("replicate: mounting %s at %s: %w", device, target, err)
	}
	guard.Defer(func(ctx context.Context) error { return mount.UnmountStale(ctx, d.runner, d.probe, target) })

	if !noAutoclear {
		if err := d.loops.SetAutoclear(ctx, device); err != nil {
			return fmt.Errorf("replicate: marking %s autoclear: %w", device, err)
		}
		autocleared = true
	}

	klog.Infof("replicate: mounted %s at %s (%s)", device, target, part.FSType)
	return nil
}

// ReplicateAll synchronizes every partition's source content onto its
// mounted image counterpart, root first, then the remaining partitions in
// the order given. excludes applies only to the root replication.
func ReplicateAll(ctx context.Context, r *runner.Runner, stagingRoot string, parts []Partition, excludes []string) error {
	ordered := orderRootFirst(parts)
	for _, part := range ordered {
		target := filepath.Join(stagingRoot, part.MountPoint)
		ex := excludes
		if !part.IsRoot {
			ex = nil
		}
		if err := replicateOne(ctx, r, part.MountPoint, target, ex); err != nil {
			return fmt.Errorf("replicate: syncing %s: %w", part.MountPoint, err)
		}
	}
	return nil
}

// orderRootFirst returns parts with the root partition moved to the front
// and every other partition left in its original (source-table) order.
func orderRootFirst(parts []Partition) []Partition {
	ordered := make([]Partition, 0, len(parts))
	for _, p := range parts {
		if p.IsRoot {
			ordered = append(ordered, p)
		}
	}
	for _, p := range parts {
		if !p.IsRoot {
			ordered = append(ordered, p)
		}
	}
	return ordered
}
