package backup

import (
	"bufio"
	"errors"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const procMounts = "/proc/self/mounts"

// MountEntry is one line of /proc/self/mounts.
type MountEntry struct {
	Device     string
	Mountpoint string
	FSType     string
}

// MountTable reads the kernel mount table. The filesystem is injectable so
// tests can provide their own /proc/self/mounts.
type MountTable struct {
	fs afero.Fs
}

func NewMountTable(fs afero.Fs) *MountTable {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &MountTable{fs: fs}
}

// Entries returns all current mounts in kernel order.
func (t *MountTable) Entries() ([]MountEntry, error) {
	data, err := afero.ReadFile(t.fs, procMounts)
	if err != nil {
		return nil, err
	}
	return parseMounts(string(data))
}

// IsMountpoint reports whether dir is currently a mount target.
func (t *MountTable) IsMountpoint(dir string) (bool, error) {
	entries, err := t.Entries()
	if err != nil {
		return false, err
	}
	dir = filepath.Clean(dir)
	for _, e := range entries {
		if e.Mountpoint == dir {
			return true, nil
		}
	}
	return false, nil
}

// MountpointOf returns where device is mounted, or "" when it is not.
func (t *MountTable) MountpointOf(device string) (string, error) {
	entries, err := t.Entries()
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Device == device {
			return e.Mountpoint, nil
		}
	}
	return "", nil
}

// DeviceAt returns the device mounted at dir, the most recent one when
// mounts are stacked.
func (t *MountTable) DeviceAt(dir string) (string, error) {
	entries, err := t.Entries()
	if err != nil {
		return "", err
	}
	dev := ""
	for _, e := range entries {
		if e.Mountpoint == dir {
			dev = e.Device
		}
	}
	return dev, nil
}

// Under returns mounts at dir or below it, deepest first, which is the order
// they must be unmounted in.
func (t *MountTable) Under(dir string) ([]MountEntry, error) {
	entries, err := t.Entries()
	if err != nil {
		return nil, err
	}
	dir = filepath.Clean(dir)
	var res []MountEntry
	for _, e := range entries {
		if e.Mountpoint == dir || strings.HasPrefix(e.Mountpoint, dir+"/") {
			res = append(res, e)
		}
	}
	// later mounts stack on earlier ones
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	sortDeepestFirst(res)
	return res, nil
}

func sortDeepestFirst(entries []MountEntry) {
	// insertion sort keeps the relative order of equal depths
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && depth(entries[j].Mountpoint) > depth(entries[j-1].Mountpoint); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func depth(p string) int {
	if p == "/" {
		return 0
	}
	return strings.Count(filepath.Clean(p), "/")
}

// parseMounts parses /proc/self/mounts content.
func parseMounts(mounts string) ([]MountEntry, error) {
	var result []MountEntry
	scanner := bufio.NewScanner(strings.NewReader(mounts))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		result = append(result, MountEntry{
			Device:     unescapeMountField(fields[0]),
			Mountpoint: unescapeMountField(fields[1]),
			FSType:     fields[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// RootDevice returns the device mounted at "/".
func (t *MountTable) RootDevice() (string, error) {
	dev, err := t.DeviceAt("/")
	if err != nil {
		return "", err
	}
	if dev == "" {
		return "", errors.New("root mount not found")
	}
	return dev, nil
}

// unescapeMountField decodes the octal escapes (\040 for space and friends)
// the kernel uses in the mount table.
func unescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
