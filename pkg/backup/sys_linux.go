//go:build linux

package backup

import (
	"errors"

	"golang.org/x/sys/unix"
)

// FilesystemUsed returns the used bytes of the filesystem holding path.
func FilesystemUsed(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return (st.Blocks - st.Bfree) * uint64(st.Bsize), nil
}

// FilesystemFree returns the bytes available to unprivileged users on the
// filesystem holding path.
func FilesystemFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// FilesystemStats returns total, used and available bytes.
func FilesystemStats(path string) (total, used, avail uint64, err error) {
	var st unix.Statfs_t
	if err = unix.Statfs(path, &st); err != nil {
		return 0, 0, 0, err
	}
	bs := uint64(st.Bsize)
	return st.Blocks * bs, (st.Blocks - st.Bfree) * bs, st.Bavail * bs, nil
}

type unixMounter struct{}

// NewMounter returns the Mounter backed by mount(2) and umount2(2).
func NewMounter() Mounter { return unixMounter{} }

func (unixMounter) Mount(source, target, fstype string, readOnly bool) error {
	var flags uintptr
	if readOnly {
		flags |= unix.MS_RDONLY
	}
	return unix.Mount(source, target, fstype, flags, "")
}

func (unixMounter) Unmount(target string) error {
	err := unix.Unmount(target, 0)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOENT):
		return ErrNotMounted
	case errors.Is(err, unix.EBUSY):
		return ErrBusy
	}
	return err
}
