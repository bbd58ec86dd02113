package backup

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/spf13/afero"
)

// LoopBinding associates an image file with the loop device it is attached
// to. At most one binding exists per image.
type LoopBinding struct {
	Image  string
	Device string
}

// RetryPolicy controls how busy devices and mounts are retried during
// teardown.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Clock    clock.Clock
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = 5
	}
	if p.Delay <= 0 {
		p.Delay = 200 * time.Millisecond
	}
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	return p
}

// LoopManager attaches and detaches image files with losetup.
type LoopManager struct {
	exec   Executor
	fs     afero.Fs
	mounts *MountTable
	retry  RetryPolicy
}

// NewLoopManager returns a manager using exec for losetup calls and fs for
// the sysfs and mount table lookups.
func NewLoopManager(exec Executor, fs afero.Fs, policy RetryPolicy) *LoopManager {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &LoopManager{
		exec:   exec,
		fs:     fs,
		mounts: NewMountTable(fs),
		retry:  policy.withDefaults(),
	}
}

// Find returns the loop devices currently bound to image.
func (m *LoopManager) Find(ctx context.Context, image string) ([]string, error) {
	res, err := m.exec.Run(ctx, Cmd("losetup", "--associated", image))
	if err != nil {
		return nil, Wrapf(err, ErrCommandFailed, "cannot list loop devices of %s", image)
	}
	return parseLosetupAssociated(res.Output()), nil
}

// parseLosetupAssociated reads `losetup -j` lines such as
// "/dev/loop0: [45826]:1234 (/srv/pi.img)".
func parseLosetupAssociated(out string) []string {
	var devices []string
	for _, line := range strings.Split(out, "\n") {
		dev, _, ok := strings.Cut(strings.TrimSpace(line), ":")
		if ok && strings.HasPrefix(dev, "/dev/loop") {
			devices = append(devices, dev)
		}
	}
	return devices
}

// Attach binds image to a free loop device with partition scanning on. It
// fails with ALREADY_ATTACHED when the image is bound already, reporting the
// device and where its partitions are mounted.
func (m *LoopManager) Attach(ctx context.Context, image string) (LoopBinding, error) {
	logger := componentLogger("loop")

	if err := ValidatePath(image); err != nil {
		return LoopBinding{}, err
	}
	existing, err := m.Find(ctx, image)
	if err != nil {
		return LoopBinding{}, err
	}
	if len(existing) > 0 {
		dev := existing[0]
		mnt := m.mountpointOfLoop(dev)
		e := Newf(ErrAlreadyAttached, "image %s is already attached to %s", image, dev).
			WithDetail("device", dev)
		if mnt != "" {
			e = e.WithDetail("mountpoint", mnt)
		}
		return LoopBinding{}, e
	}

	res, err := m.exec.Run(ctx, Cmd("losetup", "--find", "--show", "--partscan", image))
	if err != nil {
		return LoopBinding{}, Wrapf(err, ErrResourceUnavailable, "cannot attach %s to a loop device", image)
	}
	dev := res.Output()
	if !strings.HasPrefix(dev, "/dev/loop") {
		return LoopBinding{}, Newf(ErrResourceUnavailable, "losetup returned no loop device for %s", image)
	}

	logger.Info().Str("image", image).Str("device", dev).Msg("Image attached")
	return LoopBinding{Image: image, Device: dev}, nil
}

// Mounts returns the mount table entries of dev and its partitions.
func (m *LoopManager) Mounts(dev string) []MountEntry {
	entries, err := m.mounts.Entries()
	if err != nil {
		return nil
	}
	var res []MountEntry
	for _, e := range entries {
		if e.Device == dev || strings.HasPrefix(e.Device, dev+"p") {
			res = append(res, e)
		}
	}
	return res
}

// mountpointOfLoop returns the shallowest mountpoint of dev's partitions,
// which is where the image root is mounted.
func (m *LoopManager) mountpointOfLoop(dev string) string {
	best := ""
	for _, e := range m.Mounts(dev) {
		if best == "" || depth(e.Mountpoint) < depth(best) {
			best = e.Mountpoint
		}
	}
	return best
}

// IsBound reports whether dev still has a backing file according to sysfs.
func (m *LoopManager) IsBound(dev string) bool {
	name := path.Base(dev)
	ok, err := afero.Exists(m.fs, path.Join("/sys/block", name, "loop", "backing_file"))
	return err == nil && ok
}

// Detach releases dev. Detaching a device that is already free succeeds, so
// teardown can be repeated after a crash or a second interrupt.
func (m *LoopManager) Detach(ctx context.Context, dev string) error {
	logger := componentLogger("loop")

	if dev == "" {
		return New(ErrNotAttached, "no loop device to detach")
	}
	if !m.IsBound(dev) {
		logger.Info().Str("device", dev).Msg("Loop device already detached")
		return nil
	}
	if mnt := m.mountpointOfLoop(dev); mnt != "" {
		return Newf(ErrAlreadyMounted, "refusing to detach %s while it is mounted at %s", dev, mnt).
			WithDetail("device", dev).WithDetail("mountpoint", mnt)
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			_, err := m.exec.Run(ctx, Cmd("losetup", "--detach", dev))
			if err != nil && !m.IsBound(dev) {
				return nil
			}
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debug().Err(err).Int("attempt", attempt).Str("device", dev).Msg("Loop device busy, retrying detach")
		},
		Attempts: m.retry.Attempts,
		Delay:    m.retry.Delay,
		Clock:    m.retry.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return Wrapf(retry.LastError(err), ErrResourceUnavailable, "cannot detach %s", dev).WithDetail("device", dev)
	}
	logger.Info().Str("device", dev).Msg("Loop device detached")
	return nil
}

// DetachImage detaches every loop device bound to image and returns how
// many it detached, also on failure.
func (m *LoopManager) DetachImage(ctx context.Context, image string) (int, error) {
	devices, err := m.Find(ctx, image)
	if err != nil {
		return 0, err
	}
	for i, dev := range devices {
		if err := m.Detach(ctx, dev); err != nil {
			return i, err
		}
	}
	return len(devices), nil
}
