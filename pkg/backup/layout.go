package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PartitionRole tells the two partitions of a Raspberry Pi layout apart.
type PartitionRole string

const (
	RoleBoot PartitionRole = "boot"
	RoleRoot PartitionRole = "root"
)

// Partition is a typed handle for one partition of a disk or loop device.
// Device is the node reported by lsblk; it is never derived by appending a
// number to the disk path.
type Partition struct {
	Number     int
	Role       PartitionRole
	Device     string
	FSType     string
	Label      string
	UUID       string
	PartUUID   string
	SizeBytes  uint64
	Mountpoint string
}

// PartitionLayout is the boot+root layout of a disk.
type PartitionLayout struct {
	Disk      string
	TableType string // "dos" for MBR
	TableID   string // PTUUID, e.g. "6c586e13"
	SizeBytes uint64
	Count     int
	Boot      Partition
	Root      Partition
}

func (l PartitionLayout) String() string {
	return fmt.Sprintf("%s (%s, id %s): boot=%s root=%s", l.Disk, l.TableType, l.TableID, l.Boot.Device, l.Root.Device)
}

// BlockDevice mirrors one node of `lsblk --json` output.
type BlockDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Type       string        `json:"type"`
	FSType     string        `json:"fstype"`
	Label      string        `json:"label"`
	UUID       string        `json:"uuid"`
	PartUUID   string        `json:"partuuid"`
	PTUUID     string        `json:"ptuuid"`
	PTType     string        `json:"pttype"`
	Size       lsblkSize     `json:"size"`
	Mountpoint string        `json:"mountpoint"`
	Children   []BlockDevice `json:"children,omitempty"`
}

type lsblkOutput struct {
	Blockdevices []BlockDevice `json:"blockdevices"`
}

// lsblkSize accepts both the numeric and the quoted form, older util-linux
// releases print sizes as strings even with --bytes.
type lsblkSize uint64

func (s *lsblkSize) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("lsblk size %q: %w", b, err)
	}
	*s = lsblkSize(v)
	return nil
}

var lsblkColumns = "NAME,PATH,TYPE,FSTYPE,LABEL,UUID,PARTUUID,PTUUID,PTTYPE,SIZE,MOUNTPOINT"

// QueryBlockDevice runs lsblk on dev and returns its node with children.
func QueryBlockDevice(ctx context.Context, exec Executor, dev string) (BlockDevice, error) {
	res, err := exec.Run(ctx, Cmd("lsblk", "--json", "--bytes", "--output", lsblkColumns, dev))
	if err != nil {
		return BlockDevice{}, fmt.Errorf("lsblk failed for %s: %w", dev, err)
	}
	return parseLsblk(res.Stdout, dev)
}

func parseLsblk(data []byte, dev string) (BlockDevice, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return BlockDevice{}, fmt.Errorf("cannot parse lsblk output for %s: %w", dev, err)
	}
	if len(out.Blockdevices) == 0 {
		return BlockDevice{}, fmt.Errorf("lsblk returned no device for %s", dev)
	}
	bd := out.Blockdevices[0]
	if bd.Path == "" {
		bd.Path = ensureDevPrefix(bd.Name)
	}
	for i := range bd.Children {
		if bd.Children[i].Path == "" {
			bd.Children[i].Path = ensureDevPrefix(bd.Children[i].Name)
		}
	}
	return bd, nil
}

// LayoutFromBlockDevice classifies the partitions of disk into boot and
// root. When useMounts is set (the live source) the partitions mounted at
// "/" and at the boot mountpoint win; otherwise the first two partitions in
// table order are boot and root, which is how images are laid out.
func LayoutFromBlockDevice(disk BlockDevice, useMounts bool) (PartitionLayout, error) {
	var parts []BlockDevice
	for _, c := range disk.Children {
		if c.Type == "part" {
			parts = append(parts, c)
		}
	}
	layout := PartitionLayout{
		Disk:      disk.Path,
		TableType: disk.PTType,
		TableID:   normalizeTableID(disk.PTUUID),
		SizeBytes: uint64(disk.Size),
		Count:     len(parts),
	}
	if len(parts) < 2 {
		return layout, Newf(ErrPartitionFailed, "%s has %d partitions, expected boot and root", disk.Path, len(parts))
	}

	bootIdx, rootIdx := -1, -1
	if useMounts {
		for i, p := range parts {
			switch p.Mountpoint {
			case "/":
				rootIdx = i
			case "/boot/firmware", "/boot":
				bootIdx = i
			}
		}
		if bootIdx == -1 {
			for i, p := range parts {
				if isFAT(p.FSType) {
					bootIdx = i
					break
				}
			}
		}
	}
	if bootIdx == -1 {
		bootIdx = 0
	}
	if rootIdx == -1 {
		rootIdx = 1
		if rootIdx == bootIdx {
			rootIdx = 0
		}
	}
	if bootIdx == rootIdx {
		return layout, Newf(ErrPartitionFailed, "cannot tell boot and root partitions apart on %s", disk.Path)
	}

	layout.Boot = partitionFrom(parts[bootIdx], bootIdx+1, RoleBoot)
	layout.Root = partitionFrom(parts[rootIdx], rootIdx+1, RoleRoot)
	return layout, nil
}

func partitionFrom(bd BlockDevice, number int, role PartitionRole) Partition {
	return Partition{
		Number:     number,
		Role:       role,
		Device:     bd.Path,
		FSType:     bd.FSType,
		Label:      bd.Label,
		UUID:       bd.UUID,
		PartUUID:   bd.PartUUID,
		SizeBytes:  uint64(bd.Size),
		Mountpoint: bd.Mountpoint,
	}
}

func isFAT(fstype string) bool {
	return fstype == "vfat" || strings.HasPrefix(fstype, "fat")
}

// normalizeTableID strips a 0x prefix and lower-cases an MBR disk id.
func normalizeTableID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.TrimPrefix(id, "0x")
}

func ensureDevPrefix(name string) string {
	if name == "" {
		return ""
	}
	if strings.HasPrefix(name, "/dev/") {
		return name
	}
	return "/dev/" + name
}
