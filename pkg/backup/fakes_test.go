package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// fakeExec answers commands from handlers matched by prefix of
// "name arg1 arg2 ...". The most recently registered match wins; commands
// without a handler succeed with empty output.
type fakeExec struct {
	mu       sync.Mutex
	calls    []string
	handlers []fakeHandler
}

type fakeHandler struct {
	prefix string
	fn     func(ctx context.Context, cmd Command) (Result, error)
}

func newFakeExec() *fakeExec { return &fakeExec{} }

func commandLine(cmd Command) string {
	return strings.Join(append([]string{cmd.Name}, cmd.Args...), " ")
}

func (f *fakeExec) on(prefix string, fn func(ctx context.Context, cmd Command) (Result, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, fakeHandler{prefix: prefix, fn: fn})
}

func (f *fakeExec) reply(prefix, stdout string) {
	f.on(prefix, func(context.Context, Command) (Result, error) {
		return Result{Stdout: []byte(stdout)}, nil
	})
}

func (f *fakeExec) fail(prefix string, code int, stderr string) {
	f.on(prefix, func(_ context.Context, cmd Command) (Result, error) {
		return Result{Stderr: []byte(stderr), ExitCode: code}, &CommandError{
			Command:  cmd.String(),
			ExitCode: code,
			Stderr:   stderr,
			Err:      fmt.Errorf("exit status %d", code),
		}
	})
}

func (f *fakeExec) Run(ctx context.Context, cmd Command) (Result, error) {
	line := commandLine(cmd)
	f.mu.Lock()
	f.calls = append(f.calls, line)
	var h *fakeHandler
	for i := len(f.handlers) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, f.handlers[i].prefix) {
			h = &f.handlers[i]
			break
		}
	}
	f.mu.Unlock()
	if h == nil {
		return Result{}, nil
	}
	return h.fn(ctx, cmd)
}

func (f *fakeExec) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExec) count(prefix string) int {
	n := 0
	for _, c := range f.commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// indexOf returns the position of the first command with prefix, or -1.
func (f *fakeExec) indexOf(prefix string) int {
	for i, c := range f.commands() {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

// fakeMounter keeps /proc/self/mounts in fs up to date, so MountTable sees
// what was mounted through it.
type fakeMounter struct {
	fs      afero.Fs
	entries []MountEntry
	log     []string
	// mountErr fails mounts of the given source.
	mountErr map[string]error
	// busy makes the next n unmounts of a target fail with ErrBusy.
	busy map[string]int
	// onUnmount runs before a target is unmounted.
	onUnmount func(target string)
}

func newFakeMounter(t *testing.T, fs afero.Fs, initial ...MountEntry) *fakeMounter {
	t.Helper()
	m := &fakeMounter{fs: fs, entries: initial, mountErr: map[string]error{}, busy: map[string]int{}}
	require.NoError(t, m.flush())
	return m
}

func (m *fakeMounter) flush() error {
	var b strings.Builder
	for _, e := range m.entries {
		fmt.Fprintf(&b, "%s %s %s rw,relatime 0 0\n", e.Device, strings.ReplaceAll(e.Mountpoint, " ", `\040`), e.FSType)
	}
	if err := m.fs.MkdirAll("/proc/self", 0o755); err != nil {
		return err
	}
	return afero.WriteFile(m.fs, procMounts, []byte(b.String()), 0o644)
}

func (m *fakeMounter) Mount(source, target, fstype string, _ bool) error {
	if err := m.mountErr[source]; err != nil {
		return err
	}
	m.entries = append(m.entries, MountEntry{Device: source, Mountpoint: filepath.Clean(target), FSType: fstype})
	m.log = append(m.log, "mount "+source+" "+target)
	return m.flush()
}

func (m *fakeMounter) Unmount(target string) error {
	target = filepath.Clean(target)
	if m.busy[target] > 0 {
		m.busy[target]--
		return ErrBusy
	}
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Mountpoint != target {
			continue
		}
		if m.onUnmount != nil {
			m.onUnmount(target)
		}
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
		m.log = append(m.log, "umount "+target)
		// the files lived on the unmounted filesystem
		if err := m.fs.RemoveAll(target); err != nil {
			return err
		}
		if err := m.fs.MkdirAll(target, 0o755); err != nil {
			return err
		}
		return m.flush()
	}
	return ErrNotMounted
}

func (m *fakeMounter) mounted() []string {
	var out []string
	for _, e := range m.entries {
		out = append(out, e.Mountpoint)
	}
	sort.Strings(out)
	return out
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: time.Millisecond}
}

func mustWrite(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
}

func readString(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return string(data)
}

const (
	srcRootUUID = "3ad7386b-e1ae-4032-ae33-0c40f5ecc4ac"
	srcBootUUID = "5DF9-E225"
	srcTableID  = "6c586e13"
)

// sourceLsblk is lsblk output for a Raspberry Pi OS card.
const sourceLsblk = `{"blockdevices":[{"name":"mmcblk0","path":"/dev/mmcblk0","type":"disk","fstype":null,"label":null,"uuid":null,"partuuid":null,"ptuuid":"6c586e13","pttype":"dos","size":31914983424,"mountpoint":null,
 "children":[
  {"name":"mmcblk0p1","path":"/dev/mmcblk0p1","type":"part","fstype":"vfat","label":"bootfs","uuid":"5DF9-E225","partuuid":"6c586e13-01","ptuuid":"6c586e13","pttype":"dos","size":536870912,"mountpoint":"/boot/firmware"},
  {"name":"mmcblk0p2","path":"/dev/mmcblk0p2","type":"part","fstype":"ext4","label":"rootfs","uuid":"3ad7386b-e1ae-4032-ae33-0c40f5ecc4ac","partuuid":"6c586e13-02","ptuuid":"6c586e13","pttype":"dos","size":31373918208,"mountpoint":"/"}
 ]}]}`

const sourceSfdisk = `{
   "partitiontable": {
      "label": "dos",
      "id": "0x6c586e13",
      "device": "/dev/mmcblk0",
      "unit": "sectors",
      "sectorsize": 512,
      "partitions": [
         {"node": "/dev/mmcblk0p1", "start": 8192, "size": 1048576, "type": "c"},
         {"node": "/dev/mmcblk0p2", "start": 1056768, "size": 61277184, "type": "83"}
      ]
   }
}`

func testSource() SourceDevice {
	bd, err := parseLsblk([]byte(sourceLsblk), "/dev/mmcblk0")
	if err != nil {
		panic(err)
	}
	layout, err := LayoutFromBlockDevice(bd, true)
	if err != nil {
		panic(err)
	}
	return SourceDevice{Layout: layout, BootMountpoint: "/boot/firmware"}
}

func loopLayout(dev string) PartitionLayout {
	return PartitionLayout{
		Disk:      dev,
		TableType: "dos",
		Count:     2,
		Boot:      Partition{Number: 1, Role: RoleBoot, Device: dev + "p1", FSType: "vfat"},
		Root:      Partition{Number: 2, Role: RoleRoot, Device: dev + "p2", FSType: "ext4"},
	}
}

// fakeHost scripts losetup, lsblk, blkid, tune2fs, fatlabel and sfdisk
// against in-memory state, the way the kernel would answer them for one
// loop device.
type fakeHost struct {
	exec    *fakeExec
	fs      afero.Fs
	mounter *fakeMounter

	mu       sync.Mutex
	attached map[string]string // image -> device
	rootUUID string
	bootUUID string
	tableID  string
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	// images are sized like real ones; only a real filesystem keeps them sparse
	fs := afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
	h := &fakeHost{
		exec:     newFakeExec(),
		fs:       fs,
		attached: map[string]string{},
		rootUUID: "0f9a4b63-0c6e-4b1c-9a57-1d2c3e4f5a6b",
		bootUUID: "1234-ABCD",
		tableID:  "deadbeef",
	}
	h.mounter = newFakeMounter(t, fs,
		MountEntry{Device: "/dev/mmcblk0p2", Mountpoint: "/", FSType: "ext4"},
		MountEntry{Device: "/dev/mmcblk0p1", Mountpoint: "/boot/firmware", FSType: "vfat"},
	)
	require.NoError(t, fs.MkdirAll("/boot/firmware", 0o755))

	e := h.exec
	e.reply("findmnt -n -o SOURCE /", "/dev/mmcblk0p2\n")
	e.reply("lsblk -no PKNAME /dev/mmcblk0p2", "mmcblk0\n")
	e.reply("lsblk --json --bytes --output "+lsblkColumns+" /dev/mmcblk0", sourceLsblk)
	e.reply("sfdisk --json /dev/mmcblk0", sourceSfdisk)

	e.on("losetup --associated ", func(_ context.Context, cmd Command) (Result, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		img := cmd.Args[len(cmd.Args)-1]
		if dev, ok := h.attached[img]; ok {
			return Result{Stdout: []byte(fmt.Sprintf("%s: []: (%s)\n", dev, img))}, nil
		}
		return Result{}, nil
	})
	e.on("losetup --find --show --partscan ", func(_ context.Context, cmd Command) (Result, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		img := cmd.Args[len(cmd.Args)-1]
		dev := fmt.Sprintf("/dev/loop%d", len(h.attached))
		h.attached[img] = dev
		if err := afero.WriteFile(h.fs, filepath.Join("/sys/block", filepath.Base(dev), "loop", "backing_file"), []byte(img+"\n"), 0o444); err != nil {
			return Result{}, err
		}
		return Result{Stdout: []byte(dev + "\n")}, nil
	})
	e.on("losetup --detach ", func(_ context.Context, cmd Command) (Result, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		dev := cmd.Args[len(cmd.Args)-1]
		for img, d := range h.attached {
			if d == dev {
				delete(h.attached, img)
			}
		}
		return Result{}, h.fs.RemoveAll(filepath.Join("/sys/block", filepath.Base(dev)))
	})
	e.on("lsblk --json --bytes --output "+lsblkColumns+" /dev/loop", func(_ context.Context, cmd Command) (Result, error) {
		dev := cmd.Args[len(cmd.Args)-1]
		h.mu.Lock()
		defer h.mu.Unlock()
		return Result{Stdout: []byte(fmt.Sprintf(`{"blockdevices":[{"name":"%[1]s","path":"/dev/%[1]s","type":"loop","ptuuid":"%[2]s","pttype":"dos","size":2550136832,
 "children":[
  {"name":"%[1]sp1","path":"/dev/%[1]sp1","type":"part","fstype":"vfat","uuid":"%[3]s","size":536870912},
  {"name":"%[1]sp2","path":"/dev/%[1]sp2","type":"part","fstype":"ext4","uuid":"%[4]s","size":2009071616}
 ]}]}`, filepath.Base(dev), h.tableID, h.bootUUID, h.rootUUID))}, nil
	})
	e.on("blkid -p -s UUID -o value ", func(_ context.Context, cmd Command) (Result, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if strings.HasSuffix(cmd.Args[len(cmd.Args)-1], "p1") {
			return Result{Stdout: []byte(h.bootUUID + "\n")}, nil
		}
		return Result{Stdout: []byte(h.rootUUID + "\n")}, nil
	})
	e.on("tune2fs -U ", func(_ context.Context, cmd Command) (Result, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.rootUUID = cmd.Args[1]
		return Result{}, nil
	})
	e.on("fatlabel -i ", func(_ context.Context, cmd Command) (Result, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		id := strings.ToUpper(cmd.Args[2])
		h.bootUUID = id[:4] + "-" + id[4:]
		return Result{}, nil
	})
	e.on("sfdisk --disk-id ", func(_ context.Context, cmd Command) (Result, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(cmd.Args) == 3 {
			h.tableID = normalizeTableID(cmd.Args[2])
			return Result{}, nil
		}
		return Result{Stdout: []byte("0x" + h.tableID + "\n")}, nil
	})
	return h
}

func (h *fakeHost) orchestrator(opts Options) *Orchestrator {
	return NewOrchestrator(opts, Deps{
		Exec:    h.exec,
		Fs:      h.fs,
		Mounter: h.mounter,
		Retry:   fastRetry(),
		Usage: func(path string) (uint64, error) {
			if path == "/" {
				return 2_000_000_000, nil
			}
			return 50_000_000, nil
		},
		FreeSpace: func(string) (uint64, error) { return 1 << 40, nil },
		Stats: func(string) (uint64, uint64, uint64, error) {
			return 1000, 400, 600, nil
		},
		Lock: func(string) (func(), error) { return func() {}, nil },
	})
}

func (h *fakeHost) isAttached(image string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.attached[image]
	return ok
}
