// Command imgsync creates or refreshes a bootable disk image from the
// host it runs on: it partitions and formats a backing file the same
// shape as the host's disk, optionally resizes the image root to track
// how much of the host root is actually in use, and rsyncs the host's
// live filesystems onto it.
//
// Usage:
//
//	sudo imgsync -c -r /srv/images/host.img   # create a fresh image
//	sudo imgsync -s -r /srv/images/host.img   # sync an existing image
//	sudo imgsync -s -M -n /srv/images/host.img # mount for inspection only
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/klpgo/imgsync/pkg/orchestrator"
)

// Build information (set via ldflags).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		create       bool
		sync         bool
		maintenance  bool
		preMount     bool
		noAutoclear  bool
		resizeRoot   bool
		debug        bool
		verbose      bool
		quiet        bool
		pctFree      int
		stagingRoot  string
		excludesFile string
		metricsFile  string
	)

	rootCmd := &cobra.Command{
		Use:     "imgsync <image-path>",
		Short:   "Create or refresh a bootable disk image from the running host",
		Version: version + " (" + commit + ")",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			klog.InitFlags(nil)
			if debug {
				_ = flagSetVerbosity(4)
			} else if verbose {
				_ = flagSetVerbosity(2)
			} else if quiet {
				_ = flagSetVerbosity(0)
			}

			cfg := orchestrator.Config{
				ImagePath:       args[0],
				Create:          create,
				Sync:            sync,
				Maintenance:     maintenance,
				PreMount:        preMount,
				NoAutoclear:     noAutoclear,
				ResizeRoot:      resizeRoot,
				Debug:           debug,
				Verbose:         verbose,
				Quiet:           quiet,
				PctFree:         pctFree,
				StagingRoot:     stagingRoot,
				ExcludesFile:    excludesFile,
				MetricsTextfile: metricsFile,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch := orchestrator.New(cfg)
			if err := orch.Run(ctx); err != nil {
				if debug {
					printLastCommand(orch.LastCommand())
				}
				printError(err)
				return err
			}
			if debug {
				if plan := orch.LastPlan(); plan != nil {
					printPlanTable(plan)
				}
			}
			if !quiet {
				printSuccess(fmt.Sprintf("imgsync: %s up to date", args[0]))
			}
			return nil
		},
	}

	rootCmd.Flags().BoolVarP(&create, "create", "c", false, "create a new image (mutually exclusive with -s)")
	rootCmd.Flags().BoolVarP(&sync, "sync", "s", false, "sync an existing image (mutually exclusive with -c)")
	rootCmd.Flags().BoolVarP(&maintenance, "maintenance", "M", false, "mount the image and stop, for manual inspection")
	rootCmd.Flags().BoolVarP(&preMount, "pre-mount", "m", false, "mount the image file's host directory before running, and unmount it on exit")
	rootCmd.Flags().BoolVarP(&noAutoclear, "no-autoclear", "n", false, "leave loop devices attached on exit (requires -M)")
	rootCmd.Flags().BoolVarP(&resizeRoot, "resize-root", "r", false, "resize the image root to track host usage")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging and command tracing")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging (mutually exclusive with -q)")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output (mutually exclusive with -v)")
	rootCmd.Flags().IntVar(&pctFree, "pct-free", 0, "target free-space percentage for resize planning (default 20)")
	rootCmd.Flags().StringVar(&stagingRoot, "staging-root", "/run/imgsync/staging", "private directory where image partitions are mounted")
	rootCmd.Flags().StringVar(&excludesFile, "excludes-file", "", "optional YAML sidecar of additional rsync excludes (defaults to imgsync-excludes.yaml next to the image file)")
	rootCmd.Flags().StringVar(&metricsFile, "metrics-textfile", "", "optional path to write a Prometheus textfile-collector snapshot")

	return rootCmd
}

// flagSetVerbosity sets klog's -v level programmatically, mirroring the
// teacher's DEBUG_CSI environment-variable handling.
func flagSetVerbosity(level int) error {
	return flag.Set("v", strconv.Itoa(level))
}
