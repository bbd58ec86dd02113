package backup

import (
	"context"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

// CompressProgress is called with the bytes read so far and the image size.
type CompressProgress func(done, total int64)

// Compress writes image to image.gz. The image must not be attached. When
// deleteAfter is set the image is removed once the archive is complete.
func (o *Orchestrator) Compress(ctx context.Context, image string, deleteAfter bool, progress CompressProgress) (string, error) {
	release, err := o.lock(image)
	if err != nil {
		return "", err
	}
	defer release()
	return o.compress(ctx, image, deleteAfter, progress)
}

func (o *Orchestrator) compress(ctx context.Context, image string, deleteAfter bool, progress CompressProgress) (string, error) {
	logger := componentLogger("compress")

	if _, err := o.existingImage(image); err != nil {
		return "", err
	}
	devices, err := o.Loops.Find(ctx, image)
	if err != nil {
		return "", err
	}
	if len(devices) > 0 {
		return "", Newf(ErrAlreadyAttached, "image %s is attached to %s; unmount it first", image, devices[0]).
			WithDetail("device", devices[0])
	}

	out := image + ".gz"
	if err := CompressFile(ctx, o.fs, image, out, progress); err != nil {
		return "", err
	}
	logger.Info().Str("image", image).Str("archive", out).Msg("Image compressed")

	if deleteAfter {
		if err := o.fs.Remove(image); err != nil {
			return out, Wrapf(err, ErrCommandFailed, "cannot remove %s after compression", image)
		}
		logger.Info().Str("image", image).Msg("Image removed after compression")
	}
	return out, nil
}

// CompressFile gzips src into dst through a temporary file, so an
// interrupted run never leaves a truncated dst behind.
func CompressFile(ctx context.Context, fs afero.Fs, src, dst string, progress CompressProgress) error {
	in, err := fs.Open(src)
	if err != nil {
		return Wrapf(err, ErrInvalidInput, "cannot open %s", src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return Wrapf(err, ErrInvalidInput, "cannot stat %s", src)
	}

	tmp := dst + ".part"
	f, err := fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Wrapf(err, ErrResourceUnavailable, "cannot create %s", tmp)
	}
	fail := func(err error) error {
		f.Close()
		_ = fs.Remove(tmp)
		return err
	}

	zw, err := gzip.NewWriterLevel(f, gzip.DefaultCompression)
	if err != nil {
		return fail(Wrap(err, ErrCommandFailed, "cannot start compression"))
	}
	zw.Name = info.Name()
	zw.ModTime = info.ModTime()

	r := &progressReader{ctx: ctx, r: in, total: info.Size(), fn: progress}
	if _, err := io.Copy(zw, r); err != nil {
		if ctx.Err() != nil {
			return fail(Wrap(ctx.Err(), ErrInterrupted, "compression interrupted"))
		}
		return fail(Wrapf(err, ErrCommandFailed, "cannot compress %s", src))
	}
	if err := zw.Close(); err != nil {
		return fail(Wrapf(err, ErrCommandFailed, "cannot compress %s", src))
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(tmp)
		return Wrapf(err, ErrResourceUnavailable, "cannot write %s", tmp)
	}
	if err := fs.Rename(tmp, dst); err != nil {
		_ = fs.Remove(tmp)
		return Wrapf(err, ErrResourceUnavailable, "cannot rename %s", tmp)
	}
	return nil
}

// progressReader reports progress and stops reading once ctx is cancelled.
type progressReader struct {
	ctx   context.Context
	r     io.Reader
	done  int64
	total int64
	fn    CompressProgress
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	p.done += int64(n)
	if p.fn != nil && n > 0 {
		p.fn(p.done, p.total)
	}
	return n, err
}
