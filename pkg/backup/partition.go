package backup

import (
	"context"
	"fmt"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/dustin/go-humanize"
	"github.com/juju/retry"
)

// Partition strategies.
const (
	StrategyClone = "clone"
	StrategyFresh = "fresh"
)

// FreshBootStart is the first sector of the boot partition in a fresh
// layout, matching Raspberry Pi OS images.
const FreshBootStart = 8192

// PartitionSpec describes the table written to a new image.
type PartitionSpec struct {
	// Strategy is "clone" or "fresh".
	Strategy string
	// Source is the dumped source table, used by the clone strategy.
	Source SfdiskTable
	// BootSize is the boot partition size for the fresh strategy.
	BootSize uint64
}

// RootStartBytes returns where root begins for this spec.
func (s PartitionSpec) RootStartBytes() uint64 {
	if s.Strategy == StrategyFresh {
		return FreshBootStart*SectorSize + roundUpMiB(s.BootSize)
	}
	return s.Source.RootStartBytes()
}

// Labels are the filesystem labels given to new filesystems.
type Labels struct {
	Boot string
	Root string
}

// PartitionFormatter writes the partition table of a new image and creates
// its filesystems.
type PartitionFormatter struct {
	exec       Executor
	retry      RetryPolicy
	writeFresh func(dev string, bootSize uint64) error
}

func NewPartitionFormatter(exec Executor, policy RetryPolicy) *PartitionFormatter {
	return &PartitionFormatter{exec: exec, retry: policy.withDefaults(), writeFresh: WriteFreshTable}
}

// Partition writes the table described by spec to dev.
func (f *PartitionFormatter) Partition(ctx context.Context, dev string, spec PartitionSpec) error {
	logger := componentLogger("partition")

	switch spec.Strategy {
	case StrategyClone:
		if len(spec.Source.Partitions) < 2 {
			return New(ErrPartitionFailed, "source partition table is empty")
		}
		logger.Info().Str("device", dev).Str("source", spec.Source.Device).Msg("Cloning source partition table")
		if err := WriteTable(ctx, f.exec, dev, spec.Source.Script()); err != nil {
			return err
		}
	case StrategyFresh:
		logger.Info().Str("device", dev).Str("boot_size", humanize.IBytes(spec.BootSize)).Msg("Writing fresh MBR partition table")
		if err := f.writeFresh(dev, spec.BootSize); err != nil {
			return Wrapf(err, ErrPartitionFailed, "cannot write partition table to %s", dev).WithDetail("device", dev)
		}
	default:
		return Newf(ErrInvalidInput, "unknown partition strategy %q", spec.Strategy)
	}
	return nil
}

// WriteFreshTable writes a two-partition MBR: a FAT32 (LBA) boot partition
// at FreshBootStart and a Linux root partition filling the rest.
func WriteFreshTable(dev string, bootSize uint64) error {
	d, err := diskfs.Open(dev)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", dev, err)
	}
	defer d.Close()

	sectorSize := uint64(d.LogicalBlocksize)
	if sectorSize == 0 {
		sectorSize = SectorSize
	}
	total := uint64(d.Size) / sectorSize
	bootStart := uint64(FreshBootStart) * SectorSize / sectorSize
	bootSectors := roundUpMiB(bootSize) / sectorSize
	rootStart := bootStart + bootSectors
	if rootStart >= total {
		return fmt.Errorf("%s is too small for a %s boot partition", dev, humanize.IBytes(bootSize))
	}

	table := &mbr.Table{
		LogicalSectorSize:  int(sectorSize),
		PhysicalSectorSize: int(d.PhysicalBlocksize),
		Partitions: []*mbr.Partition{
			{Type: mbr.Fat32LBA, Start: uint32(bootStart), Size: uint32(bootSectors)},
			{Type: mbr.Linux, Start: uint32(rootStart), Size: uint32(total - rootStart)},
		},
	}
	return d.Partition(table)
}

// Reread makes the kernel pick up the table on dev and returns the
// resulting layout. Partition nodes can take a moment to appear, so the
// lookup is retried.
func (f *PartitionFormatter) Reread(ctx context.Context, dev string) (PartitionLayout, error) {
	logger := componentLogger("partition")

	if _, err := f.exec.Run(ctx, Cmd("partprobe", dev)); err != nil {
		return PartitionLayout{}, Wrapf(err, ErrPartitionFailed, "cannot re-read partition table of %s", dev)
	}
	if _, err := f.exec.Run(ctx, Cmd("udevadm", "settle")); err != nil {
		logger.Debug().Err(err).Msg("udevadm settle failed, continuing")
	}

	var layout PartitionLayout
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			bd, err := QueryBlockDevice(ctx, f.exec, dev)
			if err != nil {
				return err
			}
			layout, err = LayoutFromBlockDevice(bd, false)
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debug().Err(err).Int("attempt", attempt).Str("device", dev).Msg("Waiting for partitions")
		},
		Attempts: f.retry.Attempts,
		Delay:    f.retry.Delay,
		Clock:    f.retry.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return PartitionLayout{}, Wrapf(retry.LastError(err), ErrPartitionFailed, "partitions of %s did not appear", dev)
	}
	logger.Debug().Str("layout", layout.String()).Msg("Partition table re-read")
	return layout, nil
}

// Format creates FAT32 on boot and ext4 on root.
func (f *PartitionFormatter) Format(ctx context.Context, layout PartitionLayout, labels Labels) error {
	logger := componentLogger("partition")

	bootArgs := []string{"-F", "32"}
	if labels.Boot != "" {
		bootArgs = append(bootArgs, "-n", labels.Boot)
	}
	bootArgs = append(bootArgs, layout.Boot.Device)
	if _, err := f.exec.Run(ctx, Cmd("mkfs.vfat", bootArgs...)); err != nil {
		return Wrapf(err, ErrFormatFailed, "cannot create FAT filesystem on %s", layout.Boot.Device).
			WithDetail("partition", layout.Boot.Device)
	}

	rootArgs := []string{"-F", "-q"}
	if labels.Root != "" {
		rootArgs = append(rootArgs, "-L", labels.Root)
	}
	rootArgs = append(rootArgs, layout.Root.Device)
	if _, err := f.exec.Run(ctx, Cmd("mkfs.ext4", rootArgs...)); err != nil {
		return Wrapf(err, ErrFormatFailed, "cannot create ext4 filesystem on %s", layout.Root.Device).
			WithDetail("partition", layout.Root.Device)
	}

	logger.Info().Str("boot", layout.Boot.Device).Str("root", layout.Root.Device).Msg("Filesystems created")
	return nil
}
