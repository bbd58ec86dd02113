package backup

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/juju/retry"
	"github.com/spf13/afero"
)

var (
	// ErrNotMounted is returned by a Mounter when the target is not mounted.
	ErrNotMounted = errors.New("not mounted")
	// ErrBusy is returned by a Mounter when the target is still in use.
	ErrBusy = errors.New("target is busy")
)

// Mounter performs the mount and unmount system calls.
type Mounter interface {
	Mount(source, target, fstype string, readOnly bool) error
	Unmount(target string) error
}

// MountSession records what a Mount call established, so Unmount undoes
// exactly that.
type MountSession struct {
	Dir     string
	BootDir string
	Root    Partition
	Boot    Partition
	// CreatedDir is set when Mount created Dir; only then is it removed.
	CreatedDir  bool
	rootMounted bool
	bootMounted bool
}

// Mounted reports whether any partition of the session is still mounted.
func (s *MountSession) Mounted() bool {
	return s != nil && (s.rootMounted || s.bootMounted)
}

// MountController mounts the two image partitions, root first and boot
// nested below it.
type MountController struct {
	mounter Mounter
	fs      afero.Fs
	table   *MountTable
	retry   RetryPolicy
}

func NewMountController(mounter Mounter, fs afero.Fs, policy RetryPolicy) *MountController {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &MountController{mounter: mounter, fs: fs, table: NewMountTable(fs), retry: policy.withDefaults()}
}

// Table returns the mount table the controller consults.
func (c *MountController) Table() *MountTable { return c.table }

// Mount creates dir when absent, mounts root there, then creates
// dir/<bootRel> and mounts boot there. A root failure never attempts the
// boot mount; a boot failure unmounts root again. An empty bootRel is read
// from the vfat entry of the image's fstab, falling back to "boot".
func (c *MountController) Mount(ctx context.Context, layout PartitionLayout, dir, bootRel string) (*MountSession, error) {
	logger := componentLogger("mount")

	if err := ValidatePath(dir); err != nil {
		return nil, err
	}
	dir = filepath.Clean(dir)
	s := &MountSession{
		Dir:  dir,
		Root: layout.Root,
		Boot: layout.Boot,
	}

	busy, err := c.table.IsMountpoint(dir)
	if err != nil {
		return nil, Wrap(err, ErrMountFailed, "cannot read mount table")
	}
	if busy {
		return nil, Newf(ErrAlreadyMounted, "%s is already a mount point", dir).WithDetail("target", dir)
	}
	if mnt, _ := c.table.MountpointOf(layout.Root.Device); mnt != "" {
		return nil, Newf(ErrAlreadyMounted, "%s is already mounted at %s", layout.Root.Device, mnt).
			WithDetail("partition", layout.Root.Device).WithDetail("target", mnt)
	}

	exists, err := afero.DirExists(c.fs, dir)
	if err != nil {
		return nil, Wrapf(err, ErrMountFailed, "cannot stat %s", dir).WithDetail("target", dir)
	}
	if !exists {
		if err := c.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, Wrapf(err, ErrMountFailed, "cannot create %s", dir).WithDetail("target", dir)
		}
		s.CreatedDir = true
	}

	if err := c.mounter.Mount(layout.Root.Device, dir, fsTypeOr(layout.Root.FSType, "ext4"), false); err != nil {
		c.removeCreatedDir(s)
		return nil, Wrapf(err, ErrMountFailed, "cannot mount root partition").
			WithDetail("partition", layout.Root.Device).WithDetail("target", dir)
	}
	s.rootMounted = true
	logger.Debug().Str("partition", layout.Root.Device).Str("target", dir).Msg("Root partition mounted")

	bootRel = strings.Trim(bootRel, "/")
	if bootRel == "" {
		bootRel = strings.Trim(BootMountpointFromFstab(c.fs, dir), "/")
	}
	if bootRel == "" {
		bootRel = "boot"
	}
	s.BootDir = filepath.Join(dir, bootRel)

	if err := c.fs.MkdirAll(s.BootDir, 0o755); err != nil {
		_ = c.Unmount(ctx, s)
		return nil, Wrapf(err, ErrMountFailed, "cannot create %s", s.BootDir).WithDetail("target", s.BootDir)
	}
	if err := c.mounter.Mount(layout.Boot.Device, s.BootDir, fsTypeOr(layout.Boot.FSType, "vfat"), false); err != nil {
		_ = c.Unmount(ctx, s)
		return nil, Wrapf(err, ErrMountFailed, "cannot mount boot partition").
			WithDetail("partition", layout.Boot.Device).WithDetail("target", s.BootDir)
	}
	s.bootMounted = true

	logger.Info().Str("root", dir).Str("boot", s.BootDir).Msg("Image mounted")
	return s, nil
}

func fsTypeOr(fstype, fallback string) string {
	if fstype == "" {
		return fallback
	}
	return fstype
}

// Unmount undoes s: boot first, then root, then removes Dir when Mount
// created it. Targets that are no longer mounted count as unmounted, so
// calling Unmount twice is safe. Root is left alone while boot is still
// mounted below it.
func (c *MountController) Unmount(ctx context.Context, s *MountSession) error {
	logger := componentLogger("mount")
	if s == nil {
		return nil
	}

	if s.bootMounted {
		if err := c.unmountTarget(ctx, s.BootDir); err != nil {
			return Wrapf(err, ErrMountFailed, "cannot unmount boot partition").
				WithDetail("partition", s.Boot.Device).WithDetail("target", s.BootDir)
		}
		s.bootMounted = false
	}
	if s.rootMounted {
		if err := c.unmountTarget(ctx, s.Dir); err != nil {
			return Wrapf(err, ErrMountFailed, "cannot unmount root partition").
				WithDetail("partition", s.Root.Device).WithDetail("target", s.Dir)
		}
		s.rootMounted = false
	}
	c.removeCreatedDir(s)
	logger.Info().Str("target", s.Dir).Msg("Image unmounted")
	return nil
}

func (c *MountController) removeCreatedDir(s *MountSession) {
	if !s.CreatedDir {
		return
	}
	if err := c.fs.Remove(s.Dir); err != nil {
		logger := componentLogger("mount")
		logger.Warn().Err(err).Str("dir", s.Dir).Msg("Cannot remove mount directory")
		return
	}
	s.CreatedDir = false
}

// UnmountDir unmounts everything at or below dir, deepest first. When
// removeDir is set the then empty dir is removed as well. Nothing mounted
// there is not an error.
func (c *MountController) UnmountDir(ctx context.Context, dir string, removeDir bool) (int, error) {
	logger := componentLogger("mount")

	if err := ValidatePath(dir); err != nil {
		return 0, err
	}
	entries, err := c.table.Under(dir)
	if err != nil {
		return 0, Wrap(err, ErrMountFailed, "cannot read mount table")
	}
	for _, e := range entries {
		if err := c.unmountTarget(ctx, e.Mountpoint); err != nil {
			return 0, Wrapf(err, ErrMountFailed, "cannot unmount %s", e.Mountpoint).
				WithDetail("partition", e.Device).WithDetail("target", e.Mountpoint)
		}
		logger.Debug().Str("target", e.Mountpoint).Msg("Unmounted")
	}
	if removeDir {
		if err := c.fs.Remove(dir); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
			logger.Warn().Err(err).Str("dir", dir).Msg("Cannot remove mount directory")
		}
	}
	return len(entries), nil
}

// unmountTarget unmounts target, retrying while it is busy.
func (c *MountController) unmountTarget(ctx context.Context, target string) error {
	logger := componentLogger("mount")
	return retry.Call(retry.CallArgs{
		Func: func() error {
			err := c.mounter.Unmount(target)
			if errors.Is(err, ErrNotMounted) {
				logger.Debug().Str("target", target).Msg("Already unmounted")
				return nil
			}
			return err
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, ErrBusy)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debug().Err(err).Int("attempt", attempt).Str("target", target).Msg("Unmount busy, retrying")
		},
		Attempts: c.retry.Attempts,
		Delay:    c.retry.Delay,
		Clock:    c.retry.Clock,
		Stop:     ctx.Done(),
	})
}
