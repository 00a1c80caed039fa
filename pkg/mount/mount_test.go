package mount

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/klpgo/imgsync/pkg/runner"
	"github.com/klpgo/imgsync/pkg/sysprobe"
)

func TestJoinMountOptions(t *testing.T) {
	cases := []struct {
		name string
		opts []string
		want string
	}{
		{"empty", nil, ""},
		{"single", []string{"ro"}, "ro"},
		{"multiple", []string{"ro", "noatime", "nodev"}, "ro,noatime,nodev"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := JoinMountOptions(c.opts); got != c.want {
				t.Errorf("JoinMountOptions(%v) = %q, want %q", c.opts, got, c.want)
			}
		})
	}
}

func installFakeTools(t *testing.T, umountScript, mountScript string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake mount/umount scripts require a POSIX shell")
	}
	dir := t.TempDir()
	write := func(name, script string) {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
			t.Fatalf("writing fake %s: %v", name, err)
		}
	}
	write("umount", umountScript)
	write("mount", mountScript)
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestUnmountStale_SucceedsWithoutEscalationOnPlainUnmount(t *testing.T) {
	installFakeTools(t, `exit 0`, `echo "should not be consulted"`)
	r := runner.New(false)
	probe := sysprobe.New(r)

	if err := UnmountStale(context.Background(), r, probe, "/mnt/staging"); err != nil {
		t.Fatalf("UnmountStale() error: %v", err)
	}
}

func TestUnmountStale_ForcesWhenStillMounted(t *testing.T) {
	installFakeTools(t,
		`
if [ "$#" -eq 1 ]; then
  exit 1
fi
exit 0
`,
		`echo "/dev/loop0 on /mnt/staging type ext4 (rw,relatime)"`,
	)
	r := runner.New(false)
	probe := sysprobe.New(r)

	if err := UnmountStale(context.Background(), r, probe, "/mnt/staging"); err != nil {
		t.Fatalf("UnmountStale() error: %v", err)
	}
}

func TestUnmountStale_ReturnsOriginalErrorWhenNotActuallyMounted(t *testing.T) {
	installFakeTools(t,
		`exit 1`,
		`echo "/dev/loop0 on /mnt/elsewhere type ext4 (rw,relatime)"`,
	)
	r := runner.New(false)
	probe := sysprobe.New(r)

	err := UnmountStale(context.Background(), r, probe, "/mnt/staging")
	if err == nil {
		t.Fatal("UnmountStale() expected error when target is not actually mounted")
	}
}
