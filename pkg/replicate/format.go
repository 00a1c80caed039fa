package replicate

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/klpgo/imgsync/pkg/runner"
)

// errUnsupportedFSType is returned when formatPartition is asked to format
// a filesystem type it has no mkfs invocation for.
var errUnsupportedFSType = fmt.Errorf("replicate: unsupported filesystem type")

// formatPartition runs the mkfs variant matching fsType against device, the
// same filesystem type the live source partition uses.
func formatPartition(ctx context.Context, r *runner.Runner, device, fsType string) error {
	var args []string
	switch fsType {
	case "ext2":
		args = []string{"-F", device}
	case "ext3":
		args = []string{"-F", device}
	case "ext4":
		args = []string{"-F", device}
	case "xfs":
		args = []string{"-f", device}
	case "btrfs":
		args = []string{"-f", device}
	default:
		return fmt.Errorf("%w: %s", errUnsupportedFSType, fsType)
	}

	klog.Infof("replicate: formatting %s as %s", device, fsType)
	res, err := r.Run(ctx, runner.Buffer, "mkfs."+fsType, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("mkfs.%s %s: exit %d: %s", fsType, device, res.ExitCode, res.Output)
	}
	return nil
}
