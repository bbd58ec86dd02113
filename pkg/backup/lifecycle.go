package backup

import (
	"context"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/woliveiras/pibackup/pkg/logging"
)

// Options are the settings of an Orchestrator, usually taken from the
// configuration file.
type Options struct {
	MountRoot   string
	Margin      uint64
	Strategy    string
	Policy      string
	BootSize    uint64
	Excludes    []string
	Verify      bool
	LockTimeout time.Duration
	// StateFile receives a YAML record of every start run when set.
	StateFile string
}

// Deps are the collaborators an Orchestrator drives. Zero values select the
// real implementations.
type Deps struct {
	Exec      Executor
	Fs        afero.Fs
	Mounter   Mounter
	Retry     RetryPolicy
	Rsync     string
	Usage     UsageFunc
	FreeSpace FreeSpaceFunc
	Stats     func(path string) (total, used, avail uint64, err error)
	// Lock takes the per-image lock; it returns the release function.
	Lock func(image string) (func(), error)
}

// Orchestrator sequences the engine components into the start, mount,
// umount, cloneid, showdf and gzip workflows, and guarantees that whatever
// was acquired is released again.
type Orchestrator struct {
	opts Options
	exec Executor
	fs   afero.Fs

	Loops     *LoopManager
	Mounts    *MountController
	Formatter *PartitionFormatter
	Identity  *IdentityCloner
	Syncer    *SyncEngine
	Estimator *SizeEstimator

	freeSpace FreeSpaceFunc
	stats     func(string) (uint64, uint64, uint64, error)
	lock      func(string) (func(), error)
}

func NewOrchestrator(opts Options, deps Deps) *Orchestrator {
	if deps.Exec == nil {
		deps.Exec = NewExecRunner()
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Mounter == nil {
		deps.Mounter = NewMounter()
	}
	if deps.Usage == nil {
		deps.Usage = FilesystemUsed
	}
	if deps.FreeSpace == nil {
		deps.FreeSpace = FilesystemFree
	}
	if deps.Stats == nil {
		deps.Stats = FilesystemStats
	}
	if deps.Lock == nil {
		timeout := opts.LockTimeout
		deps.Lock = func(image string) (func(), error) {
			return LockImage(image, timeout, deps.Retry.Clock)
		}
	}
	if opts.MountRoot == "" {
		opts.MountRoot = "/mnt"
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyClone
	}

	formatter := NewPartitionFormatter(deps.Exec, deps.Retry)
	return &Orchestrator{
		opts:      opts,
		exec:      deps.Exec,
		fs:        deps.Fs,
		Loops:     NewLoopManager(deps.Exec, deps.Fs, deps.Retry),
		Mounts:    NewMountController(deps.Mounter, deps.Fs, deps.Retry),
		Formatter: formatter,
		Identity:  NewIdentityCloner(deps.Exec, deps.Fs, opts.Policy, formatter.Reread),
		Syncer:    NewSyncEngine(deps.Exec, deps.Fs, deps.Rsync),
		Estimator: &SizeEstimator{Usage: deps.Usage},
		freeSpace: deps.FreeSpace,
		stats:     deps.Stats,
		lock:      deps.Lock,
	}
}

// DefaultMountDir returns <mount root>/<basename of image>.
func (o *Orchestrator) DefaultMountDir(image string) string {
	return filepath.Join(o.opts.MountRoot, filepath.Base(image))
}

// OnSyncProgress forwards rsync progress of every pass to fn.
func (o *Orchestrator) OnSyncProgress(fn func(Progress)) { o.Syncer.OnProgress(fn) }

// StartOptions are the arguments of a start run.
type StartOptions struct {
	Image               string
	Create              bool
	Compress            bool
	DeleteAfterCompress bool
	// Size, when not zero, is used verbatim as the capacity of a new image.
	Size uint64
	// SizeFromDevice sizes a new image like the whole source device.
	SizeFromDevice bool
	SourceDisk     string
	MountDir       string
	Excludes       []string
	// OnCompress receives progress of the optional compression step.
	OnCompress CompressProgress
}

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailed      Outcome = "failed"
	OutcomeInterrupted Outcome = "interrupted"
)

// OutcomeOf classifies a run error.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsInterrupted(err):
		return OutcomeInterrupted
	default:
		return OutcomeFailed
	}
}

// RunResult describes a finished start run.
type RunResult struct {
	Outcome     Outcome
	Stage       Stage
	Image       string
	Source      string
	Created     bool
	Capacity    uint64
	Loop        string
	MountDir    string
	Identifiers Identifiers
	Sync        SyncReport
	Warnings    []string
	Compressed  string
	Err         error
	Started     time.Time
	Duration    time.Duration
}

// Start runs the backup workflow:
//
//	absent -> created -> attached -> partitioned -> formatted -> mounted ->
//	synced -> identity-fixed -> unmounted -> detached -> compressed -> done
//
// Creation, partitioning and formatting only happen with Create. Whatever
// was acquired is released on every exit path; an image created by this run
// is removed again when the run ends before formatting completed. A
// cancelled ctx makes the run stop at the next stage boundary with outcome
// interrupted.
func (o *Orchestrator) Start(ctx context.Context, opts StartOptions) (RunResult, error) {
	logger := componentLogger("lifecycle")
	defer logging.LogOperationStart(logger, "start")()

	res := RunResult{Image: opts.Image, Started: time.Now()}
	s := &Session{}

	err := o.lockedStart(ctx, opts, s, &res)

	res.Stage = s.Stage
	res.Err = err
	res.Outcome = OutcomeOf(err)
	res.Duration = time.Since(res.Started)
	res.Warnings = append(res.Warnings, res.Sync.Warnings...)

	o.record(res)
	switch res.Outcome {
	case OutcomeSuccess:
		logger.Info().Str("image", res.Image).Dur("duration", res.Duration).Int("warnings", len(res.Warnings)).Msg("Backup finished")
	case OutcomeInterrupted:
		logger.Warn().Str("image", res.Image).Str("stage", res.Stage.String()).Msg("Backup interrupted")
	default:
		logger.Error().Err(err).Str("image", res.Image).Str("stage", res.Stage.String()).Msg("Backup failed")
	}
	return res, err
}

func (o *Orchestrator) lockedStart(ctx context.Context, opts StartOptions, s *Session, res *RunResult) error {
	if err := ValidatePath(opts.Image); err != nil {
		return err
	}
	release, err := o.lock(opts.Image)
	if err != nil {
		return err
	}
	defer release()

	runErr := o.run(ctx, opts, s, res)

	// teardown ignores cancellation: an interrupt must still unmount and
	// detach
	teardownErr := s.teardown.unwind(context.WithoutCancel(ctx))
	if teardownErr != nil {
		if runErr != nil {
			logger := componentLogger("lifecycle")
			logger.Error().Err(teardownErr).Msg("Teardown incomplete after failed run")
			return runErr
		}
		return Wrap(teardownErr, ErrResourceUnavailable, "teardown incomplete")
	}
	if runErr != nil {
		return runErr
	}
	if s.Stage < StageDetached {
		s.advance(StageDetached)
	}

	if opts.Compress {
		if err := s.checkpoint(ctx); err != nil {
			return err
		}
		out, err := o.compress(ctx, opts.Image, opts.DeleteAfterCompress, opts.OnCompress)
		if err != nil {
			return err
		}
		res.Compressed = out
		s.advance(StageCompressed)
	}
	s.advance(StageDone)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, opts StartOptions, s *Session, res *RunResult) error {
	logger := componentLogger("lifecycle")

	src, err := DiscoverSource(ctx, o.exec, o.Mounts.Table(), opts.SourceDisk)
	if err != nil {
		return err
	}
	s.Source = src
	res.Source = src.Disk()

	mountDir := opts.MountDir
	if mountDir == "" {
		mountDir = o.DefaultMountDir(opts.Image)
	}
	res.MountDir = mountDir
	if err := ValidatePath(mountDir); err != nil {
		return err
	}
	if err := ValidateImagePath(opts.Image, src, mountDir); err != nil {
		return err
	}

	img, err := StatImage(o.fs, opts.Image)
	if err != nil {
		return err
	}
	switch {
	case img.State == ImageAbsent && !opts.Create:
		return Newf(ErrInvalidInput, "image %s does not exist; use --create to make a new one", opts.Image)
	case img.State != ImageAbsent && opts.Create:
		return Newf(ErrInvalidInput, "image %s already exists; drop --create to update it", opts.Image)
	}

	var spec PartitionSpec
	if opts.Create {
		spec, err = o.partitionSpec(ctx, src)
		if err != nil {
			return err
		}
		est, err := o.Estimator.Capacity(src, o.sizeRequest(opts, spec))
		if err != nil {
			return err
		}
		if err := s.checkpoint(ctx); err != nil {
			return err
		}
		img, err = CreateImage(o.fs, opts.Image, est.Capacity, o.freeSpace)
		if err != nil {
			return err
		}
		res.Created = true
		s.teardown.push("remove incomplete image", func(context.Context) error {
			if s.Stage >= StageFormatted {
				return nil
			}
			logger.Warn().Str("image", img.Path).Msg("Removing incomplete image")
			return o.fs.Remove(img.Path)
		})
		s.advance(StageCreated)
	}
	s.Image = img
	res.Capacity = img.Capacity

	if err := s.checkpoint(ctx); err != nil {
		return err
	}
	if err := o.attach(ctx, s); err != nil {
		return err
	}
	res.Loop = s.Loop.Device

	var previous []Identifiers
	if opts.Create {
		if err := o.Formatter.Partition(ctx, s.Loop.Device, spec); err != nil {
			return err
		}
		s.advance(StagePartitioned)
		if err := s.checkpoint(ctx); err != nil {
			return err
		}
		layout, err := o.Formatter.Reread(ctx, s.Loop.Device)
		if err != nil {
			return err
		}
		labels := Labels{Boot: src.Layout.Boot.Label, Root: src.Layout.Root.Label}
		if err := o.Formatter.Format(ctx, layout, labels); err != nil {
			return err
		}
		s.Layout = layout
		s.advance(StageFormatted)
		s.Image.State = ImagePopulated
	} else {
		layout, err := o.Formatter.Reread(ctx, s.Loop.Device)
		if err != nil {
			return err
		}
		s.Layout = layout
		s.advance(StageFormatted)
	}

	if err := s.checkpoint(ctx); err != nil {
		return err
	}
	var ids Identifiers
	if opts.Create {
		ids, s.Layout, err = o.Identity.ClonePartitionIdentity(ctx, src, s.Loop.Device, s.Layout)
	} else {
		ids, err = o.Identity.ReadIdentifiers(ctx, s.Loop.Device, s.Layout)
		previous = append(previous, ids)
	}
	if err != nil {
		return err
	}
	res.Identifiers = ids

	if err := s.checkpoint(ctx); err != nil {
		return err
	}
	if err := o.mount(ctx, s, mountDir, src.BootMountpoint); err != nil {
		return err
	}

	report, err := o.syncPasses(ctx, s, opts)
	res.Sync = report
	if err != nil {
		return err
	}
	s.advance(StageSynced)

	refs := NewReferenceMap(ids, src, previous...)
	if _, err := o.Identity.RewriteBootReferences(s.Mount.Dir, s.Mount.BootDir, refs); err != nil {
		return err
	}
	s.advance(StageIdentityFixed)

	if o.opts.Verify {
		res.Warnings = append(res.Warnings, Verify(o.fs, s.Mount.Dir, s.Mount.BootDir)...)
	}
	return nil
}

func (o *Orchestrator) partitionSpec(ctx context.Context, src SourceDevice) (PartitionSpec, error) {
	spec := PartitionSpec{Strategy: o.opts.Strategy, BootSize: o.opts.BootSize}
	if spec.Strategy == StrategyClone {
		table, err := DumpTable(ctx, o.exec, src.Disk())
		if err != nil {
			return spec, err
		}
		spec.Source = table
	}
	return spec, nil
}

func (o *Orchestrator) sizeRequest(opts StartOptions, spec PartitionSpec) SizeRequest {
	req := SizeRequest{Mode: SizeMeasured, Margin: o.opts.Margin, RootStart: spec.RootStartBytes()}
	switch {
	case opts.Size > 0:
		req.Mode = SizeExplicit
		req.Explicit = opts.Size
	case opts.SizeFromDevice:
		req.Mode = SizeDevice
	}
	return req
}

// attach binds the session image and registers the detach.
func (o *Orchestrator) attach(ctx context.Context, s *Session) error {
	binding, err := o.Loops.Attach(ctx, s.Image.Path)
	if err != nil {
		return err
	}
	s.Loop = &binding
	s.teardown.push("detach "+binding.Device, func(ctx context.Context) error {
		if err := o.Loops.Detach(ctx, binding.Device); err != nil {
			return err
		}
		if s.Stage >= StageMounted && s.Stage < StageDetached {
			s.advance(StageDetached)
		}
		return nil
	})
	if s.Stage < StageAttached {
		s.advance(StageAttached)
	}
	return nil
}

// mount mounts the session layout and registers the unmount.
func (o *Orchestrator) mount(ctx context.Context, s *Session, dir, bootMountpoint string) error {
	ms, err := o.Mounts.Mount(ctx, s.Layout, dir, bootMountpoint)
	if err != nil {
		return err
	}
	s.Mount = ms
	s.teardown.push("unmount "+ms.Dir, func(ctx context.Context) error {
		if err := o.Mounts.Unmount(ctx, ms); err != nil {
			return err
		}
		if s.Stage >= StageMounted && s.Stage < StageUnmounted {
			s.advance(StageUnmounted)
		}
		return nil
	})
	s.advance(StageMounted)
	return nil
}

// syncPasses runs the boot pass, then the root pass.
func (o *Orchestrator) syncPasses(ctx context.Context, s *Session, opts StartOptions) (SyncReport, error) {
	var total SyncReport

	if err := s.checkpoint(ctx); err != nil {
		return total, err
	}
	user := append(append([]string(nil), o.opts.Excludes...), opts.Excludes...)
	report, err := o.Syncer.Sync(ctx, PassBoot, s.Source.BootMountpoint, s.Mount.BootDir,
		BootExcludes(s.Source.BootMountpoint, user), nil)
	total.Merge(report)
	if err != nil {
		return total, err
	}

	if err := s.checkpoint(ctx); err != nil {
		return total, err
	}
	excludes := append(DefaultExcludes(s.Mount.Dir, s.Image.Path), user...)
	bootRel, _ := filepath.Rel(s.Mount.Dir, s.Mount.BootDir)
	protect := []string{"/" + filepath.ToSlash(bootRel) + "/**"}
	report, err = o.Syncer.Sync(ctx, PassRoot, "/", s.Mount.Dir, excludes, protect)
	total.Merge(report)
	if err != nil {
		return total, err
	}

	if werr := total.WarningError(); werr != nil {
		logger := componentLogger("lifecycle")
		logger.Warn().Err(werr).Msg("Sync completed with warnings")
	}
	return total, nil
}

// Mount attaches image and mounts it at dir, leaving both in place. An
// empty dir selects the default mount directory.
func (o *Orchestrator) Mount(ctx context.Context, image, dir string) (*MountSession, LoopBinding, error) {
	logger := componentLogger("lifecycle")

	release, err := o.lock(image)
	if err != nil {
		return nil, LoopBinding{}, err
	}
	defer release()

	s := &Session{}
	if s.Image, err = o.existingImage(image); err != nil {
		return nil, LoopBinding{}, err
	}
	if dir == "" {
		dir = o.DefaultMountDir(image)
	}

	ok := false
	defer func() {
		if !ok {
			if terr := s.teardown.unwind(context.WithoutCancel(ctx)); terr != nil {
				logger.Error().Err(terr).Msg("Teardown incomplete after failed mount")
			}
		}
	}()

	if err := o.attach(ctx, s); err != nil {
		return nil, LoopBinding{}, err
	}
	if s.Layout, err = o.Formatter.Reread(ctx, s.Loop.Device); err != nil {
		return nil, LoopBinding{}, err
	}
	if err := s.checkpoint(ctx); err != nil {
		return nil, LoopBinding{}, err
	}
	if err := o.mount(ctx, s, dir, ""); err != nil {
		return nil, LoopBinding{}, err
	}
	ok = true
	return s.Mount, *s.Loop, nil
}

// UmountResult reports what Umount released.
type UmountResult struct {
	Unmounted int
	Detached  int
}

// Umount unmounts image from dir (or wherever its partitions are mounted
// when dir is empty) and detaches it. An image that is neither mounted nor
// attached is left as is without error. The mount directory is removed only
// when it is the default one, which Mount creates.
func (o *Orchestrator) Umount(ctx context.Context, image, dir string) (UmountResult, error) {
	var out UmountResult

	release, err := o.lock(image)
	if err != nil {
		return out, err
	}
	defer release()

	devices, err := o.Loops.Find(ctx, image)
	if err != nil {
		return out, err
	}

	dirs := map[string]bool{}
	if dir != "" {
		dirs[filepath.Clean(dir)] = true
	}
	for _, dev := range devices {
		if mnt := o.Loops.mountpointOfLoop(dev); mnt != "" {
			dirs[mnt] = true
		}
	}
	for d := range dirs {
		n, err := o.Mounts.UnmountDir(ctx, d, d == o.DefaultMountDir(image))
		out.Unmounted += n
		if err != nil {
			return out, err
		}
	}

	out.Detached, err = o.Loops.DetachImage(ctx, image)
	if err != nil {
		return out, err
	}
	if out.Unmounted == 0 && out.Detached == 0 {
		logger := componentLogger("lifecycle")
		logger.Info().Str("image", image).Msg("Image was neither mounted nor attached")
	}
	return out, nil
}

// CloneID sets the identifiers of an existing image under the configured
// policy and rewrites its fstab and cmdline.txt to match.
func (o *Orchestrator) CloneID(ctx context.Context, image, sourceDisk string) (ids Identifiers, err error) {
	logger := componentLogger("lifecycle")

	release, err := o.lock(image)
	if err != nil {
		return Identifiers{}, err
	}
	defer release()

	s := &Session{}
	defer func() {
		if terr := s.teardown.unwind(context.WithoutCancel(ctx)); terr != nil {
			logger.Error().Err(terr).Msg("Teardown incomplete after cloneid")
			if err == nil {
				err = terr
			}
		}
	}()

	if s.Image, err = o.existingImage(image); err != nil {
		return Identifiers{}, err
	}
	if s.Source, err = DiscoverSource(ctx, o.exec, o.Mounts.Table(), sourceDisk); err != nil {
		return Identifiers{}, err
	}
	if err = o.attach(ctx, s); err != nil {
		return Identifiers{}, err
	}
	if s.Layout, err = o.Formatter.Reread(ctx, s.Loop.Device); err != nil {
		return Identifiers{}, err
	}
	previous, err := o.Identity.ReadIdentifiers(ctx, s.Loop.Device, s.Layout)
	if err != nil {
		return Identifiers{}, err
	}
	if err = s.checkpoint(ctx); err != nil {
		return Identifiers{}, err
	}
	ids, s.Layout, err = o.Identity.ClonePartitionIdentity(ctx, s.Source, s.Loop.Device, s.Layout)
	if err != nil {
		return Identifiers{}, err
	}
	if err = o.mount(ctx, s, o.DefaultMountDir(image), s.Source.BootMountpoint); err != nil {
		return Identifiers{}, err
	}
	if _, err = o.Identity.RewriteBootReferences(s.Mount.Dir, s.Mount.BootDir, NewReferenceMap(ids, s.Source, previous)); err != nil {
		return Identifiers{}, err
	}
	return ids, nil
}

func (o *Orchestrator) existingImage(image string) (ImageFile, error) {
	if err := ValidatePath(image); err != nil {
		return ImageFile{}, err
	}
	img, err := StatImage(o.fs, image)
	if err != nil {
		return img, err
	}
	if img.State == ImageAbsent {
		return img, Newf(ErrInvalidInput, "image %s does not exist", image)
	}
	return img, nil
}

// record appends res to the state file, logging failures.
func (o *Orchestrator) record(res RunResult) {
	if o.opts.StateFile == "" {
		return
	}
	if err := AppendStateLog(o.fs, o.opts.StateFile, NewRunRecord(res)); err != nil {
		logger := componentLogger("lifecycle")
		logger.Warn().Err(err).Str("path", o.opts.StateFile).Msg("Cannot write state log")
	}
}
