package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// SfdiskOutput is the document printed by `sfdisk --json`.
type SfdiskOutput struct {
	PartitionTable SfdiskTable `json:"partitiontable"`
}

type SfdiskTable struct {
	Label      string            `json:"label"`
	ID         string            `json:"id"`
	Device     string            `json:"device"`
	Unit       string            `json:"unit"`
	SectorSize int               `json:"sectorsize"`
	Partitions []SfdiskPartition `json:"partitions"`
}

type SfdiskPartition struct {
	Node     string `json:"node"`
	Start    uint64 `json:"start"`
	Size     uint64 `json:"size"`
	Type     string `json:"type"`
	Bootable bool   `json:"bootable,omitempty"`
}

// DumpTable reads the partition table of dev.
func DumpTable(ctx context.Context, exec Executor, dev string) (SfdiskTable, error) {
	res, err := exec.Run(ctx, Cmd("sfdisk", "--json", dev))
	if err != nil {
		return SfdiskTable{}, Wrapf(err, ErrPartitionFailed, "cannot dump partition table of %s", dev)
	}
	var out SfdiskOutput
	if err := json.Unmarshal(res.Stdout, &out); err != nil {
		return SfdiskTable{}, Wrapf(err, ErrPartitionFailed, "cannot parse partition table of %s", dev)
	}
	t := out.PartitionTable
	if t.SectorSize == 0 {
		t.SectorSize = SectorSize
	}
	if len(t.Partitions) < 2 {
		return t, Newf(ErrPartitionFailed, "%s has %d partitions, expected boot and root", dev, len(t.Partitions))
	}
	return t, nil
}

// RootStartBytes returns the byte offset of the second partition.
func (t SfdiskTable) RootStartBytes() uint64 {
	if len(t.Partitions) < 2 {
		return 0
	}
	return t.Partitions[1].Start * uint64(t.SectorSize)
}

// Script renders the table as sfdisk input. Only boot and root are kept;
// root has no size so sfdisk extends it to the end of the target.
func (t SfdiskTable) Script() string {
	var b strings.Builder
	label := t.Label
	if label == "" {
		label = "dos"
	}
	fmt.Fprintf(&b, "label: %s\n", label)
	if t.ID != "" {
		fmt.Fprintf(&b, "label-id: %s\n", t.ID)
	}
	b.WriteString("unit: sectors\n")
	fmt.Fprintf(&b, "sector-size: %d\n\n", t.SectorSize)

	for i, p := range t.Partitions {
		if i > 1 {
			break
		}
		fmt.Fprintf(&b, "start=%d", p.Start)
		if i == 0 {
			fmt.Fprintf(&b, ", size=%d", p.Size)
		}
		fmt.Fprintf(&b, ", type=%s", p.Type)
		if p.Bootable {
			b.WriteString(", bootable")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// WriteTable restores script onto dev. The kernel is not asked to re-read
// here; the caller does that once the table is complete.
func WriteTable(ctx context.Context, exec Executor, dev, script string) error {
	cmd := Cmd("sfdisk", "--no-reread", "--no-tell-kernel", "--wipe", "always", dev)
	cmd.Stdin = strings.NewReader(script)
	if _, err := exec.Run(ctx, cmd); err != nil {
		return Wrapf(err, ErrPartitionFailed, "cannot write partition table to %s", dev)
	}
	return nil
}
