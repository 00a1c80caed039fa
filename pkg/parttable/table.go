// Package parttable parses and emits the canonical textual partition-table
// dump produced and consumed by the host's partitioner, and edits a single
// partition's size.
package parttable

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/klpgo/imgsync/pkg/runner"
)

// Partition is one entry of a PartitionTable. StartSector and SizeSectors
// are in 512-byte sectors. TypeCode is an opaque token (hex for MBR, GUID
// for GPT) preserved verbatim across read/write.
type Partition struct {
	DevicePath  string
	StartSector int64
	SizeSectors int64
	TypeCode    string
}

// PartitionTable is the parsed form of a partitioner dump.
type PartitionTable struct {
	Label   string // "dos" or "gpt"
	LabelID string
	Device  string
	Unit    string // must be "sectors"
	Parts   []Partition
}

// ErrUnsupportedUnit is returned when a dump declares a unit other than
// sectors.
var ErrUnsupportedUnit = errors.New("unit must be sectors")

// ErrMalformed is returned by ResizeRoot when the table does not hold
// exactly two partitions. Decode does not return it: lines it cannot parse
// are skipped.
var ErrMalformed = errors.New("malformed partition table dump")

var partitionLineRe = regexpMustCompilePartitionLine()

// Read parses the dump produced by the external partitioner at path.
func Read(ctx context.Context, r *runner.Runner, path string) (*PartitionTable, error) {
	res, err := r.Run(ctx, runner.Buffer, "sfdisk", "--dump", path)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sfdisk --dump %s: exit %d: %s", path, res.ExitCode, res.Output)
	}
	return Decode(res.Output)
}

// Write emits table to path via the external partitioner's restore
// subcommand. The device must already contain an allocated image file;
// writing does not create it.
func Write(ctx context.Context, r *runner.Runner, path string, table *PartitionTable) error {
	text := Encode(table)
	res, err := r.RunWithInput(ctx, runner.Buffer, text, "sfdisk", path)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sfdisk %s: exit %d: %s", path, res.ExitCode, res.Output)
	}
	return nil
}

// ResizeRoot returns a table identical to table except that the second
// partition's SizeSectors is replaced with newSectors. This tool only
// supports resizing when exactly two partitions exist and the root is the
// second (boot is the first).
func ResizeRoot(table *PartitionTable, newSectors int64) (*PartitionTable, error) {
	if len(table.Parts) != 2 {
		return nil, fmt.Errorf("%w: ResizeRoot requires exactly two partitions, got %d", ErrMalformed, len(table.Parts))
	}
	out := *table
	out.Parts = append([]Partition(nil), table.Parts...)
	out.Parts[1].SizeSectors = newSectors
	return &out, nil
}

// Decode parses the textual dump format: key-value header lines
// ("key: value"), a blank line, then partition lines
// ("DEV : start=N, size=N, type=T"). Unknown header keys are ignored;
// partitions with size 0 or type "0" are dropped.
func Decode(data []byte) (*PartitionTable, error) {
	table := &PartitionTable{}

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if p, ok := tryParsePartitionLine(line); ok {
			if p.SizeSectors == 0 || p.TypeCode == "0" {
				continue
			}
			table.Parts = append(table.Parts, p)
			continue
		}

		key, value, ok := splitHeaderLine(line)
		if !ok {
			continue
		}
		switch key {
		case "label":
			table.Label = value
		case "label-id":
			table.LabelID = value
		case "device":
			table.Device = value
		case "unit":
			table.Unit = value
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if table.Unit != "" && table.Unit != "sectors" {
		return nil, fmt.Errorf("%w: got %q", ErrUnsupportedUnit, table.Unit)
	}

	return table, nil
}

func splitHeaderLine(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	// Partition lines are matched before this is called; a line with "="
	// before its first ":" is not a "key: value" header.
	if strings.Contains(key, "=") {
		return "", "", false
	}
	return key, value, true
}

func tryParsePartitionLine(line string) (Partition, bool) {
	m := partitionLineRe.FindStringSubmatch(line)
	if m == nil {
		return Partition{}, false
	}
	start, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Partition{}, false
	}
	size, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return Partition{}, false
	}
	return Partition{
		DevicePath:  m[1],
		StartSector: start,
		SizeSectors: size,
		TypeCode:    m[4],
	}, true
}

// Encode emits the four preserved header keys in order, a blank line, then
// each partition right-aligned in a fixed-width form.
func Encode(table *PartitionTable) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "label: %s\n", table.Label)
	fmt.Fprintf(&buf, "label-id: %s\n", table.LabelID)
	fmt.Fprintf(&buf, "device: %s\n", table.Device)
	fmt.Fprintf(&buf, "unit: %s\n", table.Unit)
	buf.WriteString("\n")

	devWidth, startWidth, sizeWidth := 0, 0, 0
	for _, p := range table.Parts {
		devWidth = maxInt(devWidth, len(p.DevicePath))
		startWidth = maxInt(startWidth, len(strconv.FormatInt(p.StartSector, 10)))
		sizeWidth = maxInt(sizeWidth, len(strconv.FormatInt(p.SizeSectors, 10)))
	}

	for _, p := range table.Parts {
		fmt.Fprintf(&buf, "%-*s : start=%*d, size=%*d, type=%s\n",
			devWidth, p.DevicePath, startWidth, p.StartSector, sizeWidth, p.SizeSectors, p.TypeCode)
	}

	return buf.Bytes()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
