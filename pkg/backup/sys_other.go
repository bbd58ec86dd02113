//go:build !linux

package backup

import "errors"

var errUnsupported = errors.New("pibackup only runs on Linux")

func FilesystemUsed(string) (uint64, error) { return 0, errUnsupported }

func FilesystemFree(string) (uint64, error) { return 0, errUnsupported }

func FilesystemStats(string) (uint64, uint64, uint64, error) { return 0, 0, 0, errUnsupported }

type unsupportedMounter struct{}

func NewMounter() Mounter { return unsupportedMounter{} }

func (unsupportedMounter) Mount(string, string, string, bool) error { return errUnsupported }

func (unsupportedMounter) Unmount(string) error { return errUnsupported }
