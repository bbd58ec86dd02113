package backup

import (
	"context"
	"regexp"
	"strings"
)

// SourceDevice is the live block device backing the running system. It is
// only ever read: identifiers, sizes and its partition table dump.
type SourceDevice struct {
	Layout PartitionLayout
	// BootMountpoint is where the live system mounts its boot partition,
	// "/boot/firmware" on current Raspberry Pi OS and "/boot" before that.
	BootMountpoint string
}

// Disk returns the whole-disk device path.
func (s SourceDevice) Disk() string { return s.Layout.Disk }

// Identifiers returns the source's identifiers as seen by the kernel.
func (s SourceDevice) Identifiers() Identifiers {
	return Identifiers{
		RootUUID: s.Layout.Root.UUID,
		BootUUID: s.Layout.Boot.UUID,
		TableID:  s.Layout.TableID,
	}
}

// DiscoverSource inspects the device backing "/". When disk is not empty it
// is used instead of the detected one. mounts, when set, is consulted if
// findmnt cannot name the root device.
func DiscoverSource(ctx context.Context, exec Executor, mounts *MountTable, disk string) (SourceDevice, error) {
	logger := componentLogger("source")

	if disk == "" {
		detected, err := bootDisk(ctx, exec, mounts)
		if err != nil {
			return SourceDevice{}, Wrap(err, ErrInvalidInput, "cannot detect the device backing /")
		}
		disk = detected
	} else {
		disk = ensureDevPrefix(disk)
		if looksLikePartition(disk) {
			return SourceDevice{}, Newf(ErrInvalidInput, "source %s looks like a partition; use a whole disk name (e.g. mmcblk0, sda)", disk)
		}
	}

	bd, err := QueryBlockDevice(ctx, exec, disk)
	if err != nil {
		return SourceDevice{}, Wrapf(err, ErrInvalidInput, "cannot read source device %s", disk)
	}
	layout, err := LayoutFromBlockDevice(bd, true)
	if err != nil {
		return SourceDevice{}, err
	}
	if layout.TableType != "" && layout.TableType != "dos" {
		return SourceDevice{}, Newf(ErrInvalidInput, "source %s has a %q partition table; only MBR (dos) is supported", disk, layout.TableType)
	}

	src := SourceDevice{Layout: layout, BootMountpoint: layout.Boot.Mountpoint}
	if src.BootMountpoint == "" || src.BootMountpoint == "/" {
		src.BootMountpoint = "/boot"
	}

	logger.Info().
		Str("disk", layout.Disk).
		Str("boot", layout.Boot.Device).
		Str("root", layout.Root.Device).
		Str("boot_mountpoint", src.BootMountpoint).
		Str("ptuuid", layout.TableID).
		Msg("Source device detected")
	return src, nil
}

// bootDisk returns the whole disk holding the root filesystem.
func bootDisk(ctx context.Context, exec Executor, mounts *MountTable) (string, error) {
	var rootPart string
	res, err := exec.Run(ctx, Cmd("findmnt", "-n", "-o", "SOURCE", "/"))
	if err == nil {
		rootPart = res.Output()
	}
	if rootPart == "" && mounts != nil {
		if dev, merr := mounts.RootDevice(); merr == nil {
			rootPart, err = dev, nil
		}
	}
	if err != nil {
		return "", err
	}
	if rootPart == "" {
		return "", New(ErrInvalidInput, "findmnt returned no source for /")
	}

	res, err = exec.Run(ctx, Cmd("lsblk", "-no", "PKNAME", rootPart))
	if err == nil {
		if parent := strings.TrimSpace(res.Output()); parent != "" {
			return ensureDevPrefix(parent), nil
		}
	}
	// lsblk without PKNAME support, fall back to trimming the partition suffix
	return baseDiskFromDevice(rootPart), nil
}

// Disks whose partitions are named <disk>p<n>.
var (
	pSuffixDisk      = regexp.MustCompile(`^(mmcblk\d+|nvme\d+n\d+|loop\d+)$`)
	pSuffixPartition = regexp.MustCompile(`^(mmcblk\d+|nvme\d+n\d+|loop\d+)p\d+$`)
)

// baseDiskFromDevice takes a device like "/dev/mmcblk0p2" or "/dev/sda1"
// and returns the base disk device path ("/dev/mmcblk0" or "/dev/sda").
func baseDiskFromDevice(dev string) string {
	if !strings.HasPrefix(dev, "/dev/") {
		return dev
	}

	name := strings.TrimPrefix(dev, "/dev/")
	// mmcblk0p2, nvme0n1p2 and loop0p2 carry a 'p' before the number
	if m := pSuffixPartition.FindStringSubmatch(name); m != nil {
		return "/dev/" + m[1]
	}
	if pSuffixDisk.MatchString(name) {
		return dev
	}
	return strings.TrimRight(dev, "0123456789")
}

func sameDisk(a, b string) bool {
	return baseDiskFromDevice(ensureDevPrefix(a)) == baseDiskFromDevice(ensureDevPrefix(b))
}

// looksLikePartition returns true if the given /dev name appears to be a
// partition (e.g. /dev/sda1, /dev/mmcblk0p1).
func looksLikePartition(dev string) bool {
	name := strings.TrimPrefix(dev, "/dev/")

	if pSuffixPartition.MatchString(name) {
		return true
	}
	if strings.HasPrefix(name, "mmcblk") || strings.HasPrefix(name, "nvme") || strings.HasPrefix(name, "loop") {
		return false
	}

	if len(name) == 0 {
		return false
	}
	last := name[len(name)-1]
	return last >= '0' && last <= '9'
}
