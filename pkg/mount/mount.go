// Package mount mounts and unmounts filesystems under the staging tree,
// wrapping the system mount(8)/umount(8) tools through a Runner.
package mount

import (
	"context"
	"fmt"
	"os"
	"strings"

	"k8s.io/klog/v2"

	"github.com/klpgo/imgsync/pkg/runner"
	"github.com/klpgo/imgsync/pkg/sysprobe"
)

// JoinMountOptions joins mount options with commas, in the order given.
func JoinMountOptions(options []string) string {
	if len(options) == 0 {
		return ""
	}
	var builder strings.Builder
	builder.WriteString(options[0])
	for i := 1; i < len(options); i++ {
		builder.WriteString(",")
		builder.WriteString(options[i])
	}
	return builder.String()
}

// Mount creates target (and any missing parents) and mounts device on it
// with the given filesystem type and options.
func Mount(ctx context.Context, r *runner.Runner, device, target, fsType string, options []string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("mount: creating %s: %w", target, err)
	}

	args := []string{"-t", fsType}
	if opts := JoinMountOptions(options); opts != "" {
		args = append(args, "-o", opts)
	}
	args = append(args, device, target)

	klog.V(4).Infof("mount: %s -> %s (%s)", device, target, fsType)
	res, err := r.Run(ctx, runner.Buffer, "mount", args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("mount %s %s: exit %d: %s", device, target, res.ExitCode, res.Output)
	}
	return nil
}

// MountPath mounts path by itself, with no explicit device or filesystem
// type, relying on an existing /etc/fstab entry for it. This is how the
// image's host directory is brought up for -m: the directory is assumed
// to be a configured-but-not-automounted filesystem (e.g. a USB stick or
// network share), not one this tool formats or manages.
func MountPath(ctx context.Context, r *runner.Runner, path string) error {
	klog.V(4).Infof("mount: pre-mounting %s", path)
	res, err := r.Run(ctx, runner.Buffer, "mount", path)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("mount %s: exit %d: %s", path, res.ExitCode, res.Output)
	}
	return nil
}

// Unmount unmounts target.
func Unmount(ctx context.Context, r *runner.Runner, target string) error {
	klog.V(4).Infof("mount: unmounting %s", target)
	res, err := r.Run(ctx, runner.Buffer, "umount", target)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("umount %s: exit %d: %s", target, res.ExitCode, res.Output)
	}
	return nil
}

// UnmountStale unmounts target, and on failure consults probe to check
// whether target is genuinely still mounted before escalating to
// probe.ForceUnmount. This is the cleanup-path-only fallback for a
// staging-tree mount left wedged by a prior crashed run; it never runs on
// the normal mount/replicate path, only from guard releases.
func UnmountStale(ctx context.Context, r *runner.Runner, probe *sysprobe.Probe, target string) error {
	err := Unmount(ctx, r, target)
	if err == nil {
		return nil
	}
	stale, staleErr := probe.IsStaleMount(ctx, target)
	if staleErr != nil || !stale {
		return err
	}
	klog.Warningf("mount: %s still mounted after a failed plain unmount, forcing", target)
	return probe.ForceUnmount(ctx, target)
}
