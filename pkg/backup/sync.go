package backup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// rsync exit codes with special meaning.
const (
	rsyncSignalled = 20
	rsyncPartial   = 23
	rsyncVanished  = 24
)

// pseudoFilesystems are never copied. Their directories stay in the image
// as empty mount points.
var pseudoFilesystems = []string{"/proc", "/sys", "/run", "/dev", "/tmp"}

// swapFiles are the swap file locations used by Raspberry Pi OS releases.
var swapFiles = []string{"/var/swap", "/swapfile"}

// DefaultExcludes returns the rsync patterns for the root pass. mountDir is
// the image mount directory and image the image file; both are excluded so
// the pass never copies the backup into itself.
func DefaultExcludes(mountDir, image string) []string {
	var ex []string
	for _, p := range pseudoFilesystems {
		ex = append(ex, p+"/*")
	}
	ex = append(ex, swapFiles...)
	ex = append(ex, "/lost+found")
	if mountDir != "" {
		ex = append(ex, filepath.Clean(mountDir))
	}
	if image != "" {
		ex = append(ex, filepath.Clean(image))
	}
	return ex
}

// BootExcludes maps root pass patterns onto the boot pass, whose transfer
// root is bootMountpoint. Anchored patterns under bootMountpoint are
// re-anchored there, other anchored patterns are dropped and unanchored
// ones apply unchanged.
func BootExcludes(bootMountpoint string, excludes []string) []string {
	prefix := strings.TrimSuffix(filepath.Clean(bootMountpoint), "/") + "/"
	var out []string
	for _, ex := range excludes {
		switch {
		case !strings.HasPrefix(ex, "/"):
			out = append(out, ex)
		case strings.HasPrefix(ex, prefix) && len(ex) > len(prefix):
			out = append(out, "/"+strings.TrimPrefix(ex, prefix))
		}
	}
	return out
}

// SyncPass selects the rsync options of one pass.
type SyncPass string

const (
	// PassBoot copies the FAT boot tree; ownership and permissions are not
	// representable there.
	PassBoot SyncPass = "boot"
	// PassRoot mirrors the root tree with ownership, ACLs, xattrs and hard
	// links, staying on one filesystem.
	PassRoot SyncPass = "root"
)

// SyncReport summarises a pass.
type SyncReport struct {
	BytesTransferred uint64        `yaml:"bytes_transferred"`
	Warnings         []string      `yaml:"warnings,omitempty"`
	Duration         time.Duration `yaml:"duration"`
}

// Merge adds other to r.
func (r *SyncReport) Merge(other SyncReport) {
	r.BytesTransferred += other.BytesTransferred
	r.Warnings = append(r.Warnings, other.Warnings...)
	r.Duration += other.Duration
}

// Progress is one update of a running pass.
type Progress struct {
	Pass    SyncPass
	Bytes   uint64
	Percent int
	Rate    string
}

// SyncEngine runs rsync passes against a mounted image.
type SyncEngine struct {
	exec     Executor
	fs       afero.Fs
	rsync    string
	progress func(Progress)
}

func NewSyncEngine(exec Executor, fs afero.Fs, rsync string) *SyncEngine {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if rsync == "" {
		rsync = "rsync"
	}
	return &SyncEngine{exec: exec, fs: fs, rsync: rsync}
}

// OnProgress registers a callback fed from rsync's progress output.
func (e *SyncEngine) OnProgress(fn func(Progress)) { e.progress = fn }

// Args builds the rsync argument list for one pass. Trees are synced by
// content: a trailing slash is added to both.
func (e *SyncEngine) Args(pass SyncPass, src, dst string, excludes, protect []string) []string {
	var args []string
	switch pass {
	case PassBoot:
		args = append(args, "-rt", "--modify-window=1")
	default:
		args = append(args, "-aHAXx", "--numeric-ids")
	}
	args = append(args, "--delete", "--delete-excluded", "--stats")
	if e.progress != nil {
		args = append(args, "--info=progress2", "--no-inc-recursive")
	}
	for _, p := range protect {
		args = append(args, "--filter=P "+p)
	}
	for _, ex := range excludes {
		args = append(args, "--exclude="+ex)
	}
	return append(args, withSlash(src), withSlash(dst))
}

func withSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// Sync mirrors src into dst. Per-file problems (exit codes 23 and 24) are
// returned as warnings with a nil error; a pass that cannot start, or fails
// otherwise, is SYNC_FAILED; a cancelled pass is INTERRUPTED. protect lists
// destination patterns that deletion must leave alone.
func (e *SyncEngine) Sync(ctx context.Context, pass SyncPass, src, dst string, excludes, protect []string) (SyncReport, error) {
	logger := componentLogger("sync")
	start := time.Now()

	for _, dir := range []string{src, dst} {
		ok, err := afero.DirExists(e.fs, dir)
		if err != nil || !ok {
			return SyncReport{}, Newf(ErrSyncFailed, "cannot open %s", dir).WithDetail("pass", string(pass))
		}
	}

	cmd := Cmd(e.rsync, e.Args(pass, src, dst, excludes, protect)...)
	var pw *progressWriter
	if e.progress != nil {
		pw = &progressWriter{pass: pass, fn: e.progress}
		cmd.Stdout = pw
	}

	logger.Info().Str("pass", string(pass)).Str("source", src).Str("target", dst).Msg("Sync started")
	res, err := e.exec.Run(ctx, cmd)
	if pw != nil {
		pw.Flush()
	}

	report := SyncReport{
		BytesTransferred: parseTransferredBytes(res.Stdout),
		Duration:         time.Since(start),
	}

	if err != nil {
		code := ExitCodeOf(err)
		switch {
		case ctx.Err() != nil || code == rsyncSignalled:
			return report, Wrapf(err, ErrInterrupted, "%s sync interrupted", pass).WithDetail("pass", string(pass))
		case code == rsyncPartial || code == rsyncVanished:
			report.Warnings = rsyncWarnings(res.Stderr)
			if len(report.Warnings) == 0 {
				report.Warnings = []string{err.Error()}
			}
			logger.Warn().Str("pass", string(pass)).Int("exit_code", code).Int("warnings", len(report.Warnings)).Msg("Sync finished with warnings")
			return report, nil
		default:
			return report, Wrapf(err, ErrSyncFailed, "%s sync failed", pass).WithDetail("pass", string(pass))
		}
	}

	logger.Info().
		Str("pass", string(pass)).
		Uint64("bytes", report.BytesTransferred).
		Dur("duration", report.Duration).
		Msg("Sync finished")
	return report, nil
}

// WarningError turns the warnings of a report into a SYNC_WARNING error,
// or nil when there are none.
func (r SyncReport) WarningError() error {
	if len(r.Warnings) == 0 {
		return nil
	}
	return Newf(ErrSyncWarning, "%d files could not be copied exactly", len(r.Warnings))
}

var transferredRe = regexp.MustCompile(`(?m)^Total transferred file size: ([0-9,.]+) bytes`)

func parseTransferredBytes(stdout []byte) uint64 {
	m := transferredRe.FindSubmatch(stdout)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.NewReplacer(",", "", ".", "").Replace(string(m[1])), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// rsyncWarnings keeps the per-file complaints rsync printed.
func rsyncWarnings(stderr []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(stderr))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "rsync error:") {
			continue
		}
		if strings.HasPrefix(line, "rsync:") || strings.HasPrefix(line, "file has vanished") {
			out = append(out, line)
		}
	}
	return out
}

// progressWriter parses --info=progress2 lines, which rsync separates with
// carriage returns, e.g. "  1,234,567  45%   12.34MB/s    0:00:10 (xfr#3, to-chk=0/9)".
type progressWriter struct {
	pass SyncPass
	fn   func(Progress)
	buf  []byte
}

var progressRe = regexp.MustCompile(`^\s*([0-9,]+)\s+([0-9]+)%\s+(\S+)`)

func (w *progressWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		w.line(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush handles a trailing line without terminator.
func (w *progressWriter) Flush() {
	if len(w.buf) > 0 {
		w.line(w.buf)
		w.buf = nil
	}
}

func (w *progressWriter) line(l []byte) {
	m := progressRe.FindSubmatch(l)
	if m == nil {
		return
	}
	n, err := strconv.ParseUint(strings.ReplaceAll(string(m[1]), ",", ""), 10, 64)
	if err != nil {
		return
	}
	pct, _ := strconv.Atoi(string(m[2]))
	w.fn(Progress{Pass: w.pass, Bytes: n, Percent: pct, Rate: string(m[3])})
}

var _ io.Writer = (*progressWriter)(nil)

// IsInterrupted reports whether err comes from cancellation.
func IsInterrupted(err error) bool {
	return HasCode(err, ErrInterrupted) || errors.Is(err, context.Canceled)
}
