package parttable

import "testing"

const sampleDump = `label: dos
label-id: 0x12345678
device: /dev/loop0
unit: sectors

/dev/loop0p1 : start=        8192, size=      524288, type=c
/dev/loop0p2 : start=      532480, size=    15000000, type=83
/dev/loop0p3 : start=           0, size=           0, type=0
`

func TestDecode_ParsesHeaderAndPartitions(t *testing.T) {
	table, err := Decode([]byte(sampleDump))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if table.Label != "dos" || table.LabelID != "0x12345678" || table.Device != "/dev/loop0" || table.Unit != "sectors" {
		t.Errorf("Decode() header = %+v", table)
	}
	if len(table.Parts) != 2 {
		t.Fatalf("Decode() parts = %d, want 2 (zero-size/type-0 dropped)", len(table.Parts))
	}
	if table.Parts[0].StartSector != 8192 || table.Parts[0].SizeSectors != 524288 || table.Parts[0].TypeCode != "c" {
		t.Errorf("Decode() partition 0 = %+v", table.Parts[0])
	}
	if table.Parts[1].StartSector != 532480 || table.Parts[1].SizeSectors != 15000000 || table.Parts[1].TypeCode != "83" {
		t.Errorf("Decode() partition 1 = %+v", table.Parts[1])
	}
}

func TestDecode_RejectsNonSectorUnit(t *testing.T) {
	bad := "label: dos\nlabel-id: 0x1\ndevice: /dev/loop0\nunit: bytes\n\n"
	if _, err := Decode([]byte(bad)); err == nil {
		t.Fatal("Decode() expected error for non-sector unit")
	}
}

func TestDecode_IgnoresUnknownHeaderKeys(t *testing.T) {
	withExtra := "label: gpt\nlabel-id: 0x1\ndevice: /dev/loop0\nunit: sectors\nfirst-lba: 34\n\n" +
		"/dev/loop0p1 : start=34, size=1000, type=ef00\n"
	table, err := Decode([]byte(withExtra))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if table.Label != "gpt" || len(table.Parts) != 1 {
		t.Errorf("Decode() with unknown key = %+v", table)
	}
}

func TestEncodeDecode_RoundTrips(t *testing.T) {
	table, err := Decode([]byte(sampleDump))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	encoded := Encode(table)
	again, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode(Encode(table)) error: %v", err)
	}

	if again.Label != table.Label || again.LabelID != table.LabelID ||
		again.Device != table.Device || again.Unit != table.Unit {
		t.Errorf("round-trip header mismatch: got %+v, want %+v", again, table)
	}
	if len(again.Parts) != len(table.Parts) {
		t.Fatalf("round-trip partition count mismatch: got %d, want %d", len(again.Parts), len(table.Parts))
	}
	for i := range table.Parts {
		if again.Parts[i] != table.Parts[i] {
			t.Errorf("round-trip partition %d mismatch: got %+v, want %+v", i, again.Parts[i], table.Parts[i])
		}
	}
}

func TestResizeRoot_ReplacesSecondPartitionOnly(t *testing.T) {
	table, err := Decode([]byte(sampleDump))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	resized, err := ResizeRoot(table, 5000000)
	if err != nil {
		t.Fatalf("ResizeRoot() error: %v", err)
	}
	if resized.Parts[0].SizeSectors != table.Parts[0].SizeSectors {
		t.Errorf("ResizeRoot() changed boot partition size: got %d, want %d", resized.Parts[0].SizeSectors, table.Parts[0].SizeSectors)
	}
	if resized.Parts[1].SizeSectors != 5000000 {
		t.Errorf("ResizeRoot() root size = %d, want 5000000", resized.Parts[1].SizeSectors)
	}
	// original table must be untouched
	if table.Parts[1].SizeSectors != 15000000 {
		t.Errorf("ResizeRoot() mutated the original table")
	}
}

func TestResizeRoot_RequiresExactlyTwoPartitions(t *testing.T) {
	table := &PartitionTable{Unit: "sectors", Parts: []Partition{{SizeSectors: 1, TypeCode: "83"}}}
	if _, err := ResizeRoot(table, 100); err == nil {
		t.Fatal("ResizeRoot() expected error with one partition")
	}
}
