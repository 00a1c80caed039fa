// Package loopdev allocates, attaches, and detaches loopback block devices
// backing an image file, and provides a scoped-resource guard so that every
// acquired kernel resource is released on every exit path.
package loopdev

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/klpgo/imgsync/pkg/runner"
	"github.com/klpgo/imgsync/pkg/utils"
)

// Manager attaches and detaches loop devices through a Runner.
type Manager struct {
	runner *runner.Runner
}

// New creates a Manager bound to r.
func New(r *runner.Runner) *Manager {
	return &Manager{runner: r}
}

// NextFree asks the loop allocator for an unused device node.
func (m *Manager) NextFree(ctx context.Context) (string, error) {
	res, err := m.runner.Run(ctx, runner.Buffer, "losetup", "--find")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("losetup --find: exit %d: %s", res.ExitCode, res.Output)
	}
	device := strings.TrimSpace(string(res.Output))
	if device == "" {
		return "", fmt.Errorf("losetup --find: no free loop device")
	}
	return device, nil
}

// Attach binds device to offsetBytes into image. sizeLimitBytes is
// mandatory for non-root partitions; pass hasSizeLimit=false for the root
// partition so the loop device can be grown later without a detach/attach
// cycle.
func (m *Manager) Attach(ctx context.Context, device, image string, offsetBytes int64, sizeLimitBytes int64, hasSizeLimit bool) error {
	args := []string{"--offset", strconv.FormatInt(offsetBytes, 10)}
	if hasSizeLimit {
		args = append(args, "--sizelimit", strconv.FormatInt(sizeLimitBytes, 10))
	}
	args = append(args, device, image)

	klog.V(4).Infof("loopdev: attaching %s to %s at offset %d", device, image, offsetBytes)
	res, err := m.runner.Run(ctx, runner.Buffer, "losetup", args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("losetup %s: exit %d: %s", strings.Join(args, " "), res.ExitCode, res.Output)
	}
	return nil
}

// AttachNextFree finds a free loop device and attaches it to image in one
// retrying operation. `losetup --find` only reports the next free slot,
// it does not reserve it, so when several partitions attach concurrently
// (see replicate.Driver.MountSecondaries) two calls can race for the same
// device; the loser's attach fails with a transient "device or resource
// busy" that clears up as soon as it retries and finds a different free
// device.
func (m *Manager) AttachNextFree(ctx context.Context, image string, offsetBytes, sizeLimitBytes int64, hasSizeLimit bool) (string, error) {
	config := utils.DefaultRetryConfig()
	config.MaxAttempts = 5
	config.InitialBackoff = 100 * time.Millisecond
	config.RetryableFunc = utils.IsRetryableDeviceError
	config.OperationName = "attach loop device"

	return utils.WithRetry(ctx, config, func() (string, error) {
		device, err := m.NextFree(ctx)
		if err != nil {
			return "", err
		}
		if err := m.Attach(ctx, device, image, offsetBytes, sizeLimitBytes, hasSizeLimit); err != nil {
			return "", err
		}
		return device, nil
	})
}

// Reread asks the kernel to refresh device's capacity after the backing
// file grew or shrank.
func (m *Manager) Reread(ctx context.Context, device string) error {
	res, err := m.runner.Run(ctx, runner.Buffer, "losetup", "--set-capacity", device)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("losetup --set-capacity %s: exit %d: %s", device, res.ExitCode, res.Output)
	}
	return nil
}

// SetAutoclear marks device so that detaching its last mount auto-releases
// it. This schedules release; it does not perform it.
func (m *Manager) SetAutoclear(ctx context.Context, device string) error {
	res, err := m.runner.Run(ctx, runner.Buffer, "losetup", "--autoclear", device)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("losetup --autoclear %s: exit %d: %s", device, res.ExitCode, res.Output)
	}
	return nil
}

// Detach unconditionally releases device.
func (m *Manager) Detach(ctx context.Context, device string) error {
	klog.V(4).Infof("loopdev: detaching %s", device)
	res, err := m.runner.Run(ctx, runner.Buffer, "losetup", "-d", device)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("losetup -d %s: exit %d: %s", device, res.ExitCode, res.Output)
	}
	return nil
}
