package backup

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populatedImage(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	mustWrite(t, fs, "/mnt/pi.img/etc/os-release", "PRETTY_NAME=\"Debian GNU/Linux 12 (bookworm)\"\n")
	mustWrite(t, fs, "/mnt/pi.img/etc/fstab", sourceFstab)
	mustWrite(t, fs, "/mnt/pi.img/boot/firmware/cmdline.txt", "root=PARTUUID=a1b2c3d4-02\n")
	mustWrite(t, fs, "/mnt/pi.img/boot/firmware/config.txt", "arm_64bit=1\n")
	mustWrite(t, fs, "/mnt/pi.img/boot/firmware/kernel8.img", "kernel")
	mustWrite(t, fs, "/mnt/pi.img/usr/bin/bash", "elf")
	for _, d := range pseudoFilesystems {
		require.NoError(t, fs.MkdirAll("/mnt/pi.img"+d, 0o755))
	}
	return fs
}

func TestVerify_CompleteImage(t *testing.T) {
	fs := populatedImage(t)
	assert.Empty(t, Verify(fs, "/mnt/pi.img", "/mnt/pi.img/boot/firmware"))
}

func TestVerify_ReportsProblems(t *testing.T) {
	fs := populatedImage(t)
	require.NoError(t, fs.Remove("/mnt/pi.img/boot/firmware/kernel8.img"))
	require.NoError(t, fs.Remove("/mnt/pi.img/etc/os-release"))
	mustWrite(t, fs, "/mnt/pi.img/proc/cpuinfo", "copied by mistake")

	warnings := Verify(fs, "/mnt/pi.img", "/mnt/pi.img/boot/firmware")
	assert.Len(t, warnings, 3)
	assert.Contains(t, warnings, "required file /mnt/pi.img/etc/os-release is missing")
	assert.Contains(t, warnings, "no kernel image found under /mnt/pi.img/boot/firmware")
	assert.Contains(t, warnings, "/proc is not empty in the image")
}

func TestVerify_AcceptsVmlinuz(t *testing.T) {
	fs := populatedImage(t)
	require.NoError(t, fs.Remove("/mnt/pi.img/boot/firmware/kernel8.img"))
	mustWrite(t, fs, "/mnt/pi.img/boot/firmware/vmlinuz-6.6.31+rpt-rpi-v8", "kernel")

	assert.Empty(t, Verify(fs, "/mnt/pi.img", "/mnt/pi.img/boot/firmware"))
}
