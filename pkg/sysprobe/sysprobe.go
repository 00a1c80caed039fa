// Package sysprobe queries the live host for mount-table, filesystem-usage,
// and block-device-topology facts the orchestrator needs before it can
// safely allocate or resize an image.
package sysprobe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/klpgo/imgsync/pkg/runner"
)

// Ignored filesystem types are skipped when scanning the mount table.
var IgnoredFSTypes = map[string]bool{
	"autofs": true,
}

// NetworkFSTypes are the filesystem types the image file itself is
// permitted to live on.
var NetworkFSTypes = map[string]bool{
	"nfs":  true,
	"nfs3": true,
	"nfs4": true,
	"smb":  true,
}

// ResizableFSTypes are the filesystem types the Resize Executor knows how
// to grow and shrink.
var ResizableFSTypes = map[string]bool{
	"ext2": true,
	"ext3": true,
	"ext4": true,
}

// MountBinding is a live mount-table entry, filtered to remove ignored
// filesystem types.
type MountBinding struct {
	Source     string
	MountPoint string
	FSType     string
}

var (
	// ErrNotFound is returned when a probe finds no matching mount-table
	// entry.
	ErrNotFound = errors.New("no matching mount-table entry")
	// ErrNoParentDisk is returned when lsblk reports no parent for a
	// device node.
	ErrNoParentDisk = errors.New("no parent disk for device")
)

// Probe queries the live host through a Runner.
type Probe struct {
	runner *runner.Runner
}

// New creates a Probe bound to r.
func New(r *runner.Runner) *Probe {
	return &Probe{runner: r}
}

// mountLine is one parsed entry from `mount`'s bare-argument output:
// "DEV on MP type FS (opts)".
type mountLine struct {
	device     string
	mountPoint string
	fsType     string
}

func parseMountTable(output []byte) []mountLine {
	var lines []mountLine
	sc := bufio.NewScanner(strings.NewReader(string(output)))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		// device on mountpoint type fstype (opts)
		if len(fields) < 5 || fields[1] != "on" || fields[3] != "type" {
			continue
		}
		lines = append(lines, mountLine{
			device:     fields[0],
			mountPoint: fields[2],
			fsType:     fields[4],
		})
	}
	return lines
}

func (p *Probe) mountTable(ctx context.Context) ([]mountLine, error) {
	res, err := p.runner.Run(ctx, runner.Buffer, "mount")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("mount: exit %d: %s", res.ExitCode, res.Output)
	}
	return parseMountTable(res.Output), nil
}

// FSOf returns the device and filesystem type of the last mount-table
// entry whose mount point exactly equals mountPoint.
func (p *Probe) FSOf(ctx context.Context, mountPoint string) (device, fsType string, err error) {
	lines, err := p.mountTable(ctx)
	if err != nil {
		return "", "", err
	}
	found := false
	for _, l := range lines {
		if IgnoredFSTypes[l.fsType] {
			continue
		}
		if l.mountPoint == mountPoint {
			device, fsType = l.device, l.fsType
			found = true
		}
	}
	if !found {
		return "", "", fmt.Errorf("%w: mount point %s", ErrNotFound, mountPoint)
	}
	return device, fsType, nil
}

// MountpointFor returns the mount point and filesystem type of the last
// mount-table entry whose device exactly equals device.
func (p *Probe) MountpointFor(ctx context.Context, device string) (mountPoint, fsType string, err error) {
	lines, err := p.mountTable(ctx)
	if err != nil {
		return "", "", err
	}
	found := false
	for _, l := range lines {
		if IgnoredFSTypes[l.fsType] {
			continue
		}
		if l.device == device {
			mountPoint, fsType = l.mountPoint, l.fsType
			found = true
		}
	}
	if !found {
		return "", "", fmt.Errorf("%w: device %s", ErrNotFound, device)
	}
	return mountPoint, fsType, nil
}

// ListMountBindings enumerates every live mount-table entry, excluding
// ignored filesystem types.
func (p *Probe) ListMountBindings(ctx context.Context) ([]MountBinding, error) {
	lines, err := p.mountTable(ctx)
	if err != nil {
		return nil, err
	}
	bindings := make([]MountBinding, 0, len(lines))
	for _, l := range lines {
		if IgnoredFSTypes[l.fsType] {
			continue
		}
		bindings = append(bindings, MountBinding{Source: l.device, MountPoint: l.mountPoint, FSType: l.fsType})
	}
	return bindings, nil
}

// ParentDisk resolves the whole-disk device node that owns the partition
// device, via `lsblk -no pkname`.
func (p *Probe) ParentDisk(ctx context.Context, device string) (string, error) {
	res, err := p.runner.Run(ctx, runner.Buffer, "lsblk", "-no", "pkname", device)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(string(res.Output))
	if res.ExitCode != 0 || name == "" {
		return "", fmt.Errorf("%w: %s", ErrNoParentDisk, device)
	}
	return "/dev/" + name, nil
}

// MountOf returns the mount point carrying path, with total and used space
// converted from df's 1K-blocks to 512-byte sectors.
func (p *Probe) MountOf(ctx context.Context, path string) (mountPoint string, totalSectors, usedSectors int64, err error) {
	res, err := p.runner.Run(ctx, runner.Buffer, "df", "-k", path)
	if err != nil {
		return "", 0, 0, err
	}
	if res.ExitCode != 0 {
		return "", 0, 0, fmt.Errorf("df -k %s: exit %d: %s", path, res.ExitCode, res.Output)
	}
	return parseDfOutput(res.Output)
}

// parseDfOutput parses the last (data) line of `df -k`'s output into a
// mount point and 512-byte-sector total/used counts.
func parseDfOutput(output []byte) (mountPoint string, totalSectors, usedSectors int64, err error) {
	rawLines := strings.Split(strings.TrimRight(string(output), "\n"), "\n")
	if len(rawLines) < 2 {
		return "", 0, 0, fmt.Errorf("%w: df -k produced no data row", ErrNotFound)
	}
	// df occasionally wraps a long filesystem name onto its own line,
	// pushing the numeric columns to the next line; join when the data
	// row has fewer fields than expected.
	dataLine := rawLines[len(rawLines)-1]
	fields := strings.Fields(dataLine)
	if len(fields) < 6 && len(rawLines) >= 3 {
		prev := strings.Fields(rawLines[len(rawLines)-2])
		fields = append(prev, fields...)
	}
	if len(fields) < 6 {
		return "", 0, 0, fmt.Errorf("%w: unexpected df -k output: %q", ErrNotFound, dataLine)
	}

	oneKBlocks, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("parsing df total blocks: %w", err)
	}
	usedBlocks, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("parsing df used blocks: %w", err)
	}

	mountPoint = strings.Join(fields[5:], " ")
	totalSectors = oneKBlocks * 2
	usedSectors = usedBlocks * 2
	return mountPoint, totalSectors, usedSectors, nil
}

// IsStaleMount reports whether targetPath still appears in the live mount
// table. Cleanup consults this after a plain unmount fails, to confirm
// there is actually still something mounted there (rather than the
// unmount having raced a concurrent teardown) before escalating to
// ForceUnmount.
func (p *Probe) IsStaleMount(ctx context.Context, targetPath string) (bool, error) {
	lines, err := p.mountTable(ctx)
	if err != nil {
		return false, err
	}
	for _, l := range lines {
		if l.mountPoint == targetPath {
			return true, nil
		}
	}
	return false, nil
}

// ForceUnmount unmounts targetPath, escalating from a lazy unmount to a
// force unmount to both combined. Used only by cleanup, as the last resort
// before the unmount-before-exit invariant would otherwise be violated by
// a wedged mount left behind by a prior crashed run.
func (p *Probe) ForceUnmount(ctx context.Context, targetPath string) error {
	attempts := [][]string{
		{"-l", targetPath},
		{"-f", targetPath},
		{"-l", "-f", targetPath},
	}

	var lastErr error
	for _, args := range attempts {
		res, err := p.runner.Run(ctx, runner.Buffer, "umount", args...)
		if err != nil {
			return err
		}
		if res.ExitCode == 0 {
			return nil
		}
		lastErr = fmt.Errorf("umount %s: exit %d: %s", strings.Join(args, " "), res.ExitCode, res.Output)
		klog.Warningf("sysprobe: force unmount attempt failed for %s: %v", targetPath, lastErr)
	}
	return fmt.Errorf("all unmount attempts failed for %s: %w", targetPath, lastErr)
}
