package backup

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

const (
	MiB        = 1 << 20
	SectorSize = 512
)

// Estimate returns the image capacity for the given usage: the sum of used
// bytes and margin rounded up to whole MiB.
func Estimate(rootUsed, bootUsed, margin uint64) uint64 {
	return roundUpMiB(rootUsed + bootUsed + margin)
}

func roundUpMiB(n uint64) uint64 {
	return (n + MiB - 1) / MiB * MiB
}

// UsageFunc returns the used bytes of the filesystem mounted at path.
type UsageFunc func(path string) (uint64, error)

// SizeMode selects how SizeEstimator derives the capacity.
type SizeMode string

const (
	SizeMeasured SizeMode = "measured"
	SizeExplicit SizeMode = "explicit"
	SizeDevice   SizeMode = "device"
)

// SizeRequest describes how the capacity of a new image is chosen.
type SizeRequest struct {
	Mode SizeMode
	// Explicit is used verbatim in SizeExplicit mode.
	Explicit uint64
	Margin   uint64
	// RootStart is the byte offset of the root partition in the image. The
	// capacity must hold everything before root plus the used root bytes.
	RootStart uint64
}

// SizeEstimate is the chosen capacity and the figures behind it.
type SizeEstimate struct {
	Mode     SizeMode
	RootUsed uint64
	BootUsed uint64
	Margin   uint64
	Capacity uint64
}

func (e SizeEstimate) String() string {
	if e.Mode != SizeMeasured {
		return fmt.Sprintf("%s (%s)", humanize.IBytes(e.Capacity), e.Mode)
	}
	return fmt.Sprintf("%s (root %s + boot %s + margin %s)",
		humanize.IBytes(e.Capacity), humanize.Bytes(e.RootUsed), humanize.Bytes(e.BootUsed), humanize.Bytes(e.Margin))
}

// SizeEstimator computes the capacity of a new image.
type SizeEstimator struct {
	Usage UsageFunc
}

func NewSizeEstimator() *SizeEstimator {
	return &SizeEstimator{Usage: FilesystemUsed}
}

// Capacity sizes an image for src. Measured mode reads usage of "/" and the
// boot mountpoint; failing to read either is fatal.
func (e *SizeEstimator) Capacity(src SourceDevice, req SizeRequest) (SizeEstimate, error) {
	logger := componentLogger("size")

	switch req.Mode {
	case SizeExplicit:
		if req.Explicit == 0 {
			return SizeEstimate{}, New(ErrInvalidInput, "explicit size must be greater than zero")
		}
		if req.RootStart > 0 && req.Explicit <= req.RootStart {
			return SizeEstimate{}, Newf(ErrInvalidInput, "size %s leaves no room for the root partition (starts at %s)",
				humanize.IBytes(req.Explicit), humanize.IBytes(req.RootStart))
		}
		return SizeEstimate{Mode: SizeExplicit, Capacity: req.Explicit}, nil

	case SizeDevice:
		if src.Layout.SizeBytes == 0 {
			return SizeEstimate{}, Newf(ErrEstimateFailed, "size of source device %s is unknown", src.Disk())
		}
		return SizeEstimate{Mode: SizeDevice, Capacity: src.Layout.SizeBytes}, nil
	}

	rootUsed, err := e.Usage("/")
	if err != nil {
		return SizeEstimate{}, Wrap(err, ErrEstimateFailed, "cannot measure used bytes of /")
	}
	bootUsed, err := e.Usage(src.BootMountpoint)
	if err != nil {
		return SizeEstimate{}, Wrapf(err, ErrEstimateFailed, "cannot measure used bytes of %s", src.BootMountpoint)
	}

	capacity := Estimate(rootUsed, bootUsed, req.Margin)
	if floor := roundUpMiB(req.RootStart + rootUsed + req.Margin); floor > capacity {
		logger.Debug().
			Uint64("estimate", capacity).
			Uint64("layout_minimum", floor).
			Msg("Raising capacity to fit the partition layout")
		capacity = floor
	}

	est := SizeEstimate{
		Mode:     SizeMeasured,
		RootUsed: rootUsed,
		BootUsed: bootUsed,
		Margin:   req.Margin,
		Capacity: capacity,
	}
	logger.Info().Str("capacity", est.String()).Msg("Image size estimated")
	return est, nil
}
