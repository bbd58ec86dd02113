package backup

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ExecutionStep describes one action of a start run. Command is set for
// steps whose invocation is fully known before anything is attached.
type ExecutionStep struct {
	Operation   string // e.g. "create-image", "sync-root"
	Description string
	Command     *Command
}

// PlanResult describes what a start run would do, without doing it.
type PlanResult struct {
	Image    string
	Source   SourceDevice
	Create   bool
	Estimate SizeEstimate
	Strategy string
	Policy   string
	MountDir string
	Steps    []ExecutionStep
}

// Plan inspects the source and the image and returns the steps Start would
// take with opts. Nothing on the host is modified.
func (o *Orchestrator) Plan(ctx context.Context, opts StartOptions) (PlanResult, error) {
	if err := ValidatePath(opts.Image); err != nil {
		return PlanResult{}, err
	}
	src, err := DiscoverSource(ctx, o.exec, o.Mounts.Table(), opts.SourceDisk)
	if err != nil {
		return PlanResult{}, err
	}
	mountDir := opts.MountDir
	if mountDir == "" {
		mountDir = o.DefaultMountDir(opts.Image)
	}
	if err := ValidateImagePath(opts.Image, src, mountDir); err != nil {
		return PlanResult{}, err
	}
	img, err := StatImage(o.fs, opts.Image)
	if err != nil {
		return PlanResult{}, err
	}
	switch {
	case img.State == ImageAbsent && !opts.Create:
		return PlanResult{}, Newf(ErrInvalidInput, "image %s does not exist; use --create to make a new one", opts.Image)
	case img.State != ImageAbsent && opts.Create:
		return PlanResult{}, Newf(ErrInvalidInput, "image %s already exists; drop --create to update it", opts.Image)
	}

	plan := PlanResult{
		Image:    opts.Image,
		Source:   src,
		Create:   opts.Create,
		Strategy: o.opts.Strategy,
		Policy:   o.Identity.policy,
		MountDir: mountDir,
	}

	var script string
	if opts.Create {
		spec, err := o.partitionSpec(ctx, src)
		if err != nil {
			return PlanResult{}, err
		}
		if plan.Estimate, err = o.Estimator.Capacity(src, o.sizeRequest(opts, spec)); err != nil {
			return PlanResult{}, err
		}
		if spec.Strategy == StrategyClone {
			script = spec.Source.Script()
		}
	} else {
		plan.Estimate = SizeEstimate{Mode: SizeExplicit, Capacity: img.Capacity}
	}

	plan.Steps = o.buildSteps(plan, opts, script)
	return plan, nil
}

func (o *Orchestrator) buildSteps(plan PlanResult, opts StartOptions, script string) []ExecutionStep {
	var steps []ExecutionStep
	add := func(op, desc string, cmd *Command) {
		steps = append(steps, ExecutionStep{Operation: op, Description: desc, Command: cmd})
	}

	if plan.Create {
		add("create-image", fmt.Sprintf("create sparse image %s of %s", plan.Image, plan.Estimate), nil)
	}
	attach := Cmd("losetup", "--find", "--show", "--partscan", plan.Image)
	add("attach", "attach "+plan.Image+" to a free loop device", &attach)
	if plan.Create {
		desc := fmt.Sprintf("write partition table (strategy=%s)", plan.Strategy)
		if script != "" {
			desc += ":\n" + indent(script, "      ")
		}
		add("partition", desc, nil)
		add("format", "create FAT32 boot and ext4 root filesystems", nil)
		add("clone-identity", fmt.Sprintf("set filesystem UUIDs and disk identifier (policy=%s)", plan.Policy), nil)
	}
	add("mount", "mount root at "+plan.MountDir+" and boot below it", nil)

	bootDir := plan.MountDir + plan.Source.BootMountpoint
	user := append(append([]string(nil), o.opts.Excludes...), opts.Excludes...)
	boot := Cmd(o.Syncer.rsync, o.Syncer.Args(PassBoot, plan.Source.BootMountpoint, bootDir,
		BootExcludes(plan.Source.BootMountpoint, user), nil)...)
	add("sync-boot", "copy "+plan.Source.BootMountpoint+" to "+bootDir, &boot)

	excludes := append(DefaultExcludes(plan.MountDir, plan.Image), user...)
	protect := []string{plan.Source.BootMountpoint + "/**"}
	root := Cmd(o.Syncer.rsync, o.Syncer.Args(PassRoot, "/", plan.MountDir, excludes, protect)...)
	add("sync-root", "copy / to "+plan.MountDir, &root)

	add("rewrite-references", "rewrite fstab and cmdline.txt to the image identifiers", nil)
	add("unmount", "unmount "+plan.MountDir, nil)
	add("detach", "detach the loop device", nil)
	if opts.Compress {
		add("compress", "gzip "+plan.Image+" to "+plan.Image+".gz", nil)
	}
	return steps
}

// Apply runs the commands of steps with exec in order. Steps without a
// command are skipped. A dry run passes a NoopRunner.
func Apply(ctx context.Context, exec Executor, steps []ExecutionStep) error {
	for _, step := range steps {
		if step.Command == nil {
			continue
		}
		if _, err := exec.Run(ctx, *step.Command); err != nil {
			return fmt.Errorf("apply failed on operation %q: %w", step.Operation, err)
		}
	}
	return nil
}

// String renders a human-readable description of the plan.
func (p PlanResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backup plan: %s -> %s\n", p.Source.Disk(), p.Image)
	if p.Create {
		fmt.Fprintf(&b, "  size: %s\n", p.Estimate)
	} else {
		fmt.Fprintf(&b, "  size: %s (existing image)\n", humanize.IBytes(p.Estimate.Capacity))
	}
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "  %2d. %s: %s\n", i+1, s.Operation, s.Description)
	}
	return b.String()
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
