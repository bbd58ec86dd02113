package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/mutex/v2"
	"github.com/spf13/afero"
)

// ImageState tracks what is known about an image file.
type ImageState string

const (
	ImageAbsent    ImageState = "absent"
	ImageCreated   ImageState = "created"
	ImagePopulated ImageState = "populated"
)

// ImageFile is the sparse file holding the backup disk.
type ImageFile struct {
	Path     string
	Capacity uint64
	State    ImageState
}

// FreeSpaceFunc reports the bytes available in the directory holding a new
// image.
type FreeSpaceFunc func(dir string) (uint64, error)

// StatImage returns the image at path, with State ImageAbsent when it does
// not exist yet.
func StatImage(fs afero.Fs, path string) (ImageFile, error) {
	img := ImageFile{Path: path, State: ImageAbsent}
	info, err := fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return img, nil
	}
	if err != nil {
		return img, Wrapf(err, ErrInvalidInput, "cannot stat image %s", path)
	}
	if !info.Mode().IsRegular() {
		return img, Newf(ErrInvalidInput, "image %s is not a regular file", path)
	}
	img.Capacity = uint64(info.Size())
	img.State = ImagePopulated
	return img, nil
}

// CreateImage creates a sparse file of the given capacity. It refuses to
// overwrite an existing file and fails with RESOURCE_UNAVAILABLE when the
// target filesystem cannot hold the full capacity.
func CreateImage(fs afero.Fs, path string, capacity uint64, free FreeSpaceFunc) (ImageFile, error) {
	logger := componentLogger("image")

	if free != nil {
		avail, err := free(filepath.Dir(path))
		if err != nil {
			return ImageFile{}, Wrapf(err, ErrResourceUnavailable, "cannot read free space of %s", filepath.Dir(path))
		}
		if avail < capacity {
			return ImageFile{}, Newf(ErrResourceUnavailable, "not enough space for %s: need %s, %s available",
				path, humanize.IBytes(capacity), humanize.IBytes(avail)).
				WithDetail("needed", humanize.IBytes(capacity)).
				WithDetail("available", humanize.IBytes(avail))
		}
	}

	f, err := fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ImageFile{}, Newf(ErrInvalidInput, "image %s already exists", path)
		}
		return ImageFile{}, Wrapf(err, ErrResourceUnavailable, "cannot create image %s", path)
	}
	if err := f.Truncate(int64(capacity)); err != nil {
		f.Close()
		_ = fs.Remove(path)
		return ImageFile{}, Wrapf(err, ErrResourceUnavailable, "cannot size image %s", path)
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(path)
		return ImageFile{}, Wrapf(err, ErrResourceUnavailable, "cannot create image %s", path)
	}

	logger.Info().Str("image", path).Str("capacity", humanize.IBytes(capacity)).Msg("Sparse image created")
	return ImageFile{Path: path, Capacity: capacity, State: ImageCreated}, nil
}

// lockName derives a machine-wide mutex name for an image path. Names must
// start with a letter and use only [a-z0-9.-].
func lockName(image string) string {
	abs, err := filepath.Abs(image)
	if err != nil {
		abs = image
	}
	sum := sha256.Sum256([]byte(abs))
	return "pibackup-" + hex.EncodeToString(sum[:8])
}

// LockImage takes the machine-wide lock for image. A second invocation on
// the same image gets ALREADY_ATTACHED once timeout expires.
func LockImage(image string, timeout time.Duration, clk clock.Clock) (func(), error) {
	if clk == nil {
		clk = clock.WallClock
	}
	spec := mutex.Spec{
		Name:    lockName(image),
		Clock:   clk,
		Delay:   50 * time.Millisecond,
		Timeout: timeout,
	}
	releaser, err := mutex.Acquire(spec)
	if err != nil {
		if errors.Is(err, mutex.ErrTimeout) {
			return nil, Newf(ErrAlreadyAttached, "image %s is in use by another pibackup process", image).
				WithDetail("image", image)
		}
		return nil, Wrapf(err, ErrResourceUnavailable, "cannot lock image %s", image)
	}
	logger := componentLogger("image")
	logger.Debug().Str("image", image).Str("lock", spec.Name).Msg("Image lock acquired")
	return releaser.Release, nil
}
