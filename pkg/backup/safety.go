package backup

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RequiredCommands are the external tools the engine calls.
var RequiredCommands = []string{
	"losetup",
	"sfdisk",
	"partprobe",
	"lsblk",
	"blkid",
	"findmnt",
	"mkfs.vfat",
	"mkfs.ext4",
	"e2fsck",
	"tune2fs",
	"fatlabel",
	"rsync",
}

// CheckPrerequisites ensures we run as root and the required system commands
// are available before we attempt any destructive operation.
func CheckPrerequisites() error {
	return checkPrerequisites(os.Geteuid(), exec.LookPath)
}

func checkPrerequisites(euid int, lookPath func(string) (string, error)) error {
	if euid != 0 {
		return New(ErrPermission, "pibackup must run as root (use sudo) because it manipulates loop devices and mounts")
	}

	var missing []string
	for _, cmd := range RequiredCommands {
		if _, err := lookPath(cmd); err != nil {
			missing = append(missing, cmd)
		}
	}
	if len(missing) > 0 {
		return Newf(ErrInvalidInput, "missing required commands: %s. Please install them first (e.g., apt-get install rsync fdisk parted util-linux dosfstools e2fsprogs)", strings.Join(missing, ", ")).
			WithDetail("missing", strings.Join(missing, ","))
	}
	return nil
}

// ValidateImagePath performs safety checks on the image path before any
// side effect:
// - the path must be absolute and safe to pass to external tools
// - it must not name a device node or a partition of the source disk
// - its parent directory must not be the image mount directory
func ValidateImagePath(image string, src SourceDevice, mountDir string) error {
	if err := ValidatePath(image); err != nil {
		return err
	}
	if strings.HasPrefix(image, "/dev/") {
		if src.Disk() != "" && sameDisk(image, src.Disk()) {
			return Newf(ErrInvalidInput, "refusing to use %s: it is the source disk", image)
		}
		return Newf(ErrInvalidInput, "image %s is a device path; pibackup writes to a regular file", image)
	}
	if mountDir != "" {
		rel, err := filepath.Rel(filepath.Clean(mountDir), filepath.Clean(image))
		if err == nil && rel != ".." && !strings.HasPrefix(rel, "../") {
			return Newf(ErrInvalidInput, "image %s lies inside its own mount directory %s", image, mountDir)
		}
	}
	return nil
}
