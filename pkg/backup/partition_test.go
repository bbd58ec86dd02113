package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDumpTableAndScript(t *testing.T) {
	e := newFakeExec()
	e.reply("sfdisk --json /dev/mmcblk0", sourceSfdisk)

	table, err := DumpTable(context.Background(), e, "/dev/mmcblk0")
	require.NoError(t, err)
	assert.Equal(t, uint64(1056768*512), table.RootStartBytes())

	want := "label: dos\n" +
		"label-id: 0x6c586e13\n" +
		"unit: sectors\n" +
		"sector-size: 512\n\n" +
		"start=8192, size=1048576, type=c\n" +
		"start=1056768, type=83\n"
	assert.Equal(t, want, table.Script())
}

func TestScript_DropsExtraPartitions(t *testing.T) {
	table := SfdiskTable{SectorSize: 4096, Partitions: []SfdiskPartition{
		{Start: 256, Size: 1000, Type: "c", Bootable: true},
		{Start: 1256, Size: 5000, Type: "83"},
		{Start: 6256, Size: 100, Type: "82"},
	}}

	script := table.Script()
	assert.Contains(t, script, "label: dos\n")
	assert.NotContains(t, script, "label-id")
	assert.Contains(t, script, "sector-size: 4096")
	assert.Contains(t, script, "start=256, size=1000, type=c, bootable\n")
	assert.NotContains(t, script, "type=82")
}

func TestDumpTable_SinglePartition(t *testing.T) {
	e := newFakeExec()
	e.reply("sfdisk --json", `{"partitiontable":{"label":"dos","partitions":[{"node":"/dev/sda1","start":2048,"size":100,"type":"83"}]}}`)

	_, err := DumpTable(context.Background(), e, "/dev/sda")
	assert.Equal(t, ErrPartitionFailed, CodeOf(err))
}

func TestPartitionFormatter_CloneWritesScript(t *testing.T) {
	e := newFakeExec()
	var stdin string
	e.on("sfdisk --no-reread", func(_ context.Context, cmd Command) (Result, error) {
		data, err := io.ReadAll(cmd.Stdin)
		stdin = string(data)
		return Result{}, err
	})
	e.reply("sfdisk --json", sourceSfdisk)
	f := NewPartitionFormatter(e, fastRetry())

	table, err := DumpTable(context.Background(), e, "/dev/mmcblk0")
	require.NoError(t, err)
	require.NoError(t, f.Partition(context.Background(), "/dev/loop0", PartitionSpec{Strategy: StrategyClone, Source: table}))

	assert.Contains(t, e.commands(), "sfdisk --no-reread --no-tell-kernel --wipe always /dev/loop0")
	assert.Equal(t, table.Script(), stdin)
}

func TestPartitionFormatter_FreshUsesWriter(t *testing.T) {
	f := NewPartitionFormatter(newFakeExec(), fastRetry())
	var gotDev string
	var gotSize uint64
	f.writeFresh = func(dev string, bootSize uint64) error {
		gotDev, gotSize = dev, bootSize
		return nil
	}

	require.NoError(t, f.Partition(context.Background(), "/dev/loop1", PartitionSpec{Strategy: StrategyFresh, BootSize: 256 * MiB}))
	assert.Equal(t, "/dev/loop1", gotDev)
	assert.Equal(t, uint64(256*MiB), gotSize)

	f.writeFresh = func(string, uint64) error { return errors.New("short write") }
	err := f.Partition(context.Background(), "/dev/loop1", PartitionSpec{Strategy: StrategyFresh, BootSize: 256 * MiB})
	assert.Equal(t, ErrPartitionFailed, CodeOf(err))

	err = f.Partition(context.Background(), "/dev/loop1", PartitionSpec{Strategy: "gpt"})
	assert.Equal(t, ErrInvalidInput, CodeOf(err))
}

func TestPartitionSpec_RootStartBytes(t *testing.T) {
	fresh := PartitionSpec{Strategy: StrategyFresh, BootSize: 256 * MiB}
	assert.Equal(t, uint64(4*MiB+256*MiB), fresh.RootStartBytes())

	clone := PartitionSpec{Strategy: StrategyClone, Source: SfdiskTable{SectorSize: 512, Partitions: []SfdiskPartition{{Start: 8192}, {Start: 1056768}}}}
	assert.Equal(t, uint64(1056768*512), clone.RootStartBytes())
}

func TestWriteFreshTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(64*MiB))
	require.NoError(t, f.Close())

	require.NoError(t, WriteFreshTable(path, 16*MiB))

	d, err := diskfs.Open(path)
	require.NoError(t, err)
	defer d.Close()
	pt, err := d.GetPartitionTable()
	require.NoError(t, err)
	table, ok := pt.(*mbr.Table)
	require.True(t, ok, "expected an MBR table, got %T", pt)
	var parts []*mbr.Partition
	for _, p := range table.Partitions {
		if p.Type != mbr.Empty {
			parts = append(parts, p)
		}
	}
	require.Len(t, parts, 2)

	boot, root := parts[0], parts[1]
	assert.Equal(t, mbr.Fat32LBA, boot.Type)
	assert.Equal(t, uint32(FreshBootStart), boot.Start)
	assert.Equal(t, uint32(16*MiB/SectorSize), boot.Size)
	assert.Equal(t, mbr.Linux, root.Type)
	assert.Equal(t, boot.Start+boot.Size, root.Start)
	assert.Equal(t, uint32(64*MiB/SectorSize), root.Start+root.Size)
}

func TestWriteFreshTable_TooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(8*MiB))
	require.NoError(t, f.Close())

	assert.Error(t, WriteFreshTable(path, 16*MiB))
}

func TestPartitionFormatter_Reread(t *testing.T) {
	h := newFakeHost(t)
	f := NewPartitionFormatter(h.exec, fastRetry())

	layout, err := f.Reread(context.Background(), "/dev/loop0")
	require.NoError(t, err)
	assert.Equal(t, "/dev/loop0p1", layout.Boot.Device)
	assert.Equal(t, "/dev/loop0p2", layout.Root.Device)
	assert.Equal(t, "deadbeef", layout.TableID)
	assert.Less(t, h.exec.indexOf("partprobe /dev/loop0"), h.exec.indexOf("lsblk --json"))
}

func TestPartitionFormatter_RereadWaitsForPartitions(t *testing.T) {
	e := newFakeExec()
	calls := 0
	e.on("lsblk --json", func(context.Context, Command) (Result, error) {
		calls++
		if calls < 3 {
			return Result{Stdout: []byte(`{"blockdevices":[{"name":"loop0","type":"loop"}]}`)}, nil
		}
		return Result{Stdout: []byte(`{"blockdevices":[{"name":"loop0","type":"loop","pttype":"dos","children":[
			{"name":"loop0p1","type":"part"},{"name":"loop0p2","type":"part"}]}]}`)}, nil
	})
	f := NewPartitionFormatter(e, fastRetry())

	layout, err := f.Reread(context.Background(), "/dev/loop0")
	require.NoError(t, err)
	assert.Equal(t, "/dev/loop0p2", layout.Root.Device)
	assert.Equal(t, 3, calls)
}

func TestPartitionFormatter_Format(t *testing.T) {
	e := newFakeExec()
	f := NewPartitionFormatter(e, fastRetry())

	require.NoError(t, f.Format(context.Background(), loopLayout("/dev/loop0"), Labels{Boot: "bootfs", Root: "rootfs"}))
	assert.Equal(t, []string{
		"mkfs.vfat -F 32 -n bootfs /dev/loop0p1",
		"mkfs.ext4 -F -q -L rootfs /dev/loop0p2",
	}, e.commands())
}

func TestPartitionFormatter_FormatFailureNamesPartition(t *testing.T) {
	e := newFakeExec()
	e.fail("mkfs.ext4", 1, "mkfs.ext4: Device size reported to be zero")
	f := NewPartitionFormatter(e, fastRetry())

	err := f.Format(context.Background(), loopLayout("/dev/loop0"), Labels{})
	require.Error(t, err)
	e2, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrFormatFailed, e2.Code)
	assert.Equal(t, "/dev/loop0p2", e2.Detail("partition"))
}
