package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/klpgo/imgsync/pkg/parttable"
)

// fakeToolchain installs scripted stand-ins for every external program the
// orchestrator shells out to (mount, umount, lsblk, sfdisk, losetup, df,
// rsync, mkfs.ext4), so a full Run() can be driven end to end without a
// real disk, loop device, or network. Every invocation is appended to a
// shared log file so specs can assert on what actually ran.
type fakeToolchain struct {
	commandsLog string
	bin         string
}

func (tc fakeToolchain) log() string {
	data, err := os.ReadFile(tc.commandsLog)
	Expect(err).NotTo(HaveOccurred())
	return string(data)
}

const genericOKScript = `exit 0`

// mount dispatches on its arguments: "-t ..." is a real device mount,
// zero arguments means "dump the live mount table", anything else is the
// -m pre-mount-by-path form.
const mountScript = `
if [ "$1" = "-t" ]; then
  exit 0
elif [ $# -eq 0 ]; then
  cat "$IMGSYNC_TEST_MOUNT_TABLE"
  exit 0
else
  exit 0
fi
`

const lsblkScript = `
name=$(basename "$3" | sed -E 's/[0-9]+$//')
echo "$name"
`

// sfdisk --dump on a /dev/* path means the source disk; --dump on anything
// else means the image file. The plain "sfdisk <path>" restore form
// captures its piped stdin as the new image dump, so a Write followed by
// a later Read round-trips exactly what was written.
const sfdiskScript = `
if [ "$1" = "--dump" ]; then
  case "$2" in
    /dev/*) cat "$IMGSYNC_TEST_SOURCE_DUMP" ;;
    *) cat "$IMGSYNC_TEST_IMAGE_DUMP" ;;
  esac
  exit 0
else
  cat > "$IMGSYNC_TEST_IMAGE_DUMP"
  exit 0
fi
`

const dfScript = `
cat <<'EOF'
Filesystem     1K-blocks      Used Available Use% Mounted on
/dev/sdb1        1000000    500000    500000  50% /mnt/imagehost
EOF
`

// --find hands out successive devices from a counter file so that each
// AttachNextFree call (root, then every secondary) gets a distinct device.
const losetupScript = `
if [ "$1" = "--find" ]; then
  count=$(cat "$IMGSYNC_TEST_LOSETUP_COUNTER")
  echo "/dev/loop$count"
  count=$((count + 1))
  echo "$count" > "$IMGSYNC_TEST_LOSETUP_COUNTER"
  exit 0
fi
exit 0
`

func writeScript(bin, name, body string) {
	path := filepath.Join(bin, name)
	content := "#!/bin/sh\necho \"$0 $*\" >> \"$IMGSYNC_TEST_COMMANDS_LOG\"\n" + body + "\n"
	Expect(os.WriteFile(path, []byte(content), 0o755)).To(Succeed())
}

// installFakeToolchain seeds the fake sfdisk's source-disk and image-file
// dumps and the fake mount's live mount table, then puts every fake tool
// on PATH for the duration of the current spec.
func installFakeToolchain(sourceDump, imageDump []byte, mountTableText string) fakeToolchain {
	if runtime.GOOS == "windows" {
		Skip("fake toolchain requires a POSIX shell")
	}
	t := GinkgoT()
	dir := t.TempDir()

	commandsLog := filepath.Join(dir, "commands.log")
	Expect(os.WriteFile(commandsLog, nil, 0o644)).To(Succeed())

	mountTableFile := filepath.Join(dir, "mount-table.txt")
	Expect(os.WriteFile(mountTableFile, []byte(mountTableText), 0o644)).To(Succeed())

	sourceDumpFile := filepath.Join(dir, "source.dump")
	Expect(os.WriteFile(sourceDumpFile, sourceDump, 0o644)).To(Succeed())

	imageDumpFile := filepath.Join(dir, "image.dump")
	Expect(os.WriteFile(imageDumpFile, imageDump, 0o644)).To(Succeed())

	findCounter := filepath.Join(dir, "losetup-find-counter")
	Expect(os.WriteFile(findCounter, []byte("0"), 0o644)).To(Succeed())

	t.Setenv("IMGSYNC_TEST_COMMANDS_LOG", commandsLog)
	t.Setenv("IMGSYNC_TEST_MOUNT_TABLE", mountTableFile)
	t.Setenv("IMGSYNC_TEST_SOURCE_DUMP", sourceDumpFile)
	t.Setenv("IMGSYNC_TEST_IMAGE_DUMP", imageDumpFile)
	t.Setenv("IMGSYNC_TEST_LOSETUP_COUNTER", findCounter)

	bin := filepath.Join(dir, "bin")
	Expect(os.MkdirAll(bin, 0o755)).To(Succeed())

	writeScript(bin, "mount", mountScript)
	writeScript(bin, "umount", genericOKScript)
	writeScript(bin, "lsblk", lsblkScript)
	writeScript(bin, "sfdisk", sfdiskScript)
	writeScript(bin, "losetup", losetupScript)
	writeScript(bin, "df", dfScript)
	writeScript(bin, "rsync", genericOKScript)
	writeScript(bin, "mkfs.ext4", genericOKScript)

	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	return fakeToolchain{commandsLog: commandsLog, bin: bin}
}

// twoPartitionSourceTable is the fixed source layout every spec below
// drives the orchestrator against: a small boot partition and a root
// partition, both ext4, on /dev/sda.
func twoPartitionSourceTable() *parttable.PartitionTable {
	return &parttable.PartitionTable{
		Label:   "dos",
		LabelID: "0x1234abcd",
		Device:  "/dev/sda",
		Unit:    "sectors",
		Parts: []parttable.Partition{
			{DevicePath: "/dev/sda1", StartSector: 2048, SizeSectors: 2048, TypeCode: "83"},
			{DevicePath: "/dev/sda2", StartSector: 4096, SizeSectors: 4096, TypeCode: "83"},
		},
	}
}

const twoPartitionMountTable = "" +
	"/dev/sda1 on /boot type ext4 (rw,relatime)\n" +
	"/dev/sda2 on / type ext4 (rw,relatime)\n" +
	"/dev/sdb1 on /mnt/imagehost type ext4 (rw,relatime)\n"

var _ = Describe("Orchestrator", func() {
	var (
		ctx         context.Context
		imagePath   string
		stagingRoot string
	)

	BeforeEach(func() {
		ctx = context.Background()
		tmp := GinkgoT().TempDir()
		imagePath = filepath.Join(tmp, "image.img")
		stagingRoot = filepath.Join(tmp, "staging")
	})

	Describe("create mode against a two-partition source", func() {
		var tc fakeToolchain

		BeforeEach(func() {
			tc = installFakeToolchain(parttable.Encode(twoPartitionSourceTable()), nil, twoPartitionMountTable)
		})

		It("allocates the image, formats and mounts both partitions, and replicates each", func() {
			orch := New(Config{
				ImagePath:   imagePath,
				Create:      true,
				StagingRoot: stagingRoot,
			})
			orch.geteuid = func() int { return 0 }

			Expect(orch.Run(ctx)).To(Succeed())
			Expect(imagePath).To(BeAnExistingFile())

			log := tc.log()
			Expect(log).To(ContainSubstring("mkfs.ext4"))
			Expect(log).To(ContainSubstring("rsync"))
			Expect(log).To(ContainSubstring("losetup"))
			Expect(log).To(ContainSubstring("--find"))
		})
	})

	Describe("sync mode against an existing, already-correct image", func() {
		BeforeEach(func() {
			installFakeToolchain(
				parttable.Encode(twoPartitionSourceTable()),
				parttable.Encode(&parttable.PartitionTable{
					Label: "dos", LabelID: "0x1234abcd", Device: imagePath, Unit: "sectors",
					Parts: []parttable.Partition{
						{DevicePath: "p1", StartSector: 2048, SizeSectors: 2048, TypeCode: "83"},
						{DevicePath: "p2", StartSector: 4096, SizeSectors: 4096, TypeCode: "83"},
					},
				}),
				twoPartitionMountTable,
			)
			Expect(os.WriteFile(imagePath, make([]byte, 8192*512), 0o644)).To(Succeed())
		})

		It("mounts the existing partitions and replicates without formatting", func() {
			orch := New(Config{
				ImagePath:   imagePath,
				Sync:        true,
				StagingRoot: stagingRoot,
			})
			orch.geteuid = func() int { return 0 }

			Expect(orch.Run(ctx)).To(Succeed())
		})
	})

	Describe("maintenance mode", func() {
		var tc fakeToolchain

		BeforeEach(func() {
			tc = installFakeToolchain(
				parttable.Encode(twoPartitionSourceTable()),
				parttable.Encode(&parttable.PartitionTable{
					Label: "dos", LabelID: "0x1234abcd", Device: imagePath, Unit: "sectors",
					Parts: []parttable.Partition{
						{DevicePath: "p1", StartSector: 2048, SizeSectors: 2048, TypeCode: "83"},
						{DevicePath: "p2", StartSector: 4096, SizeSectors: 4096, TypeCode: "83"},
					},
				}),
				twoPartitionMountTable,
			)
			Expect(os.WriteFile(imagePath, make([]byte, 8192*512), 0o644)).To(Succeed())
		})

		It("mounts every partition and stops without replicating", func() {
			orch := New(Config{
				ImagePath:   imagePath,
				Sync:        true,
				Maintenance: true,
				StagingRoot: stagingRoot,
			})
			orch.geteuid = func() int { return 0 }

			Expect(orch.Run(ctx)).To(Succeed())
			Expect(tc.log()).NotTo(ContainSubstring("rsync"))
		})
	})

	Describe("a source disk with only one partition", func() {
		BeforeEach(func() {
			singlePartition := &parttable.PartitionTable{
				Label: "dos", LabelID: "0xdeadbeef", Device: "/dev/sda", Unit: "sectors",
				Parts: []parttable.Partition{
					{DevicePath: "/dev/sda1", StartSector: 2048, SizeSectors: 4096, TypeCode: "83"},
				},
			}
			mountTable := strings.Join([]string{
				"/dev/sda1 on / type ext4 (rw,relatime)",
				"/dev/sdb1 on /mnt/imagehost type ext4 (rw,relatime)",
			}, "\n") + "\n"
			installFakeToolchain(parttable.Encode(singlePartition), nil, mountTable)
		})

		It("refuses to create an image", func() {
			orch := New(Config{
				ImagePath:   imagePath,
				Create:      true,
				StagingRoot: stagingRoot,
			})
			orch.geteuid = func() int { return 0 }

			err := orch.Run(ctx)
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, ErrTooFewPartitions)).To(BeTrue())
		})
	})

	Describe("root mount failure after the root loop device is already attached", func() {
		var tc fakeToolchain

		BeforeEach(func() {
			tc = installFakeToolchain(parttable.Encode(twoPartitionSourceTable()), nil, twoPartitionMountTable)
			// Overrides the toolchain's mount fake so every real device
			// mount ("-t ...") fails, simulating MountRoot failing after
			// AttachNextFree has already succeeded.
			writeScript(tc.bin, "mount", `
if [ "$1" = "-t" ]; then
  exit 1
elif [ $# -eq 0 ]; then
  cat "$IMGSYNC_TEST_MOUNT_TABLE"
  exit 0
else
  exit 0
fi
`)
		})

		It("still detaches the root loop device instead of leaking it", func() {
			orch := New(Config{
				ImagePath:   imagePath,
				Create:      true,
				StagingRoot: stagingRoot,
			})
			orch.geteuid = func() int { return 0 }

			Expect(orch.Run(ctx)).To(HaveOccurred())
			Expect(tc.log()).To(ContainSubstring("losetup -d /dev/loop0"))
		})
	})
})
