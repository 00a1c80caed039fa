package replicate

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/klpgo/imgsync/pkg/runner"
)

// replicationArgs are the fixed rsync flags every replication uses:
// archive, one-file-system, preserve devices, preserve hard links,
// partial, numeric ids, delete, force.
var replicationArgs = []string{
	"--archive",
	"--one-file-system",
	"--devices",
	"--hard-links",
	"--partial",
	"--numeric-ids",
	"--delete",
	"--force",
}

// replicateOne rsyncs source onto target, applying excludes (root only).
// A trailing slash on source is required so rsync copies the directory's
// contents rather than the directory itself.
func replicateOne(ctx context.Context, r *runner.Runner, sourceLabel, target string, excludes []string) error {
	args := append([]string{}, replicationArgs...)
	for _, ex := range excludes {
		args = append(args, "--exclude="+ex)
	}

	source := sourceLabel
	if source == "" || source[len(source)-1] != '/' {
		source += "/"
	}
	args = append(args, source, target)

	klog.Infof("replicate: rsync %s -> %s", source, target)
	res, err := r.Run(ctx, runner.Stream, "rsync", args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("rsync %s %s: exit %d: %s", source, target, res.ExitCode, res.Output)
	}
	return nil
}
