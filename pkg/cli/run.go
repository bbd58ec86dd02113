package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/woliveiras/pibackup/pkg/backup"
	"github.com/woliveiras/pibackup/pkg/config"
	"github.com/woliveiras/pibackup/pkg/logging"
)

// Options holds the global flags shared by every command.
type Options struct {
	Verbosity  int
	ConfigFile string
	DryRun     bool
	Yes        bool // answer yes to confirmation prompts
}

// UI abstracts user interaction so we can support both interactive
// and non-interactive modes and keep things testable.
type UI interface {
	Println(a ...any)
	Printf(format string, a ...any)
	Ask(prompt string) (string, error)
	Confirm(prompt string) (bool, error)
}

type stdUI struct {
	in  *bufio.Reader
	out io.Writer
}

// NewStdUI returns a UI backed by stdin/stdout.
func NewStdUI() UI {
	return NewUI(os.Stdin, os.Stdout)
}

// NewUI returns a UI reading answers from in and writing to out.
func NewUI(in io.Reader, out io.Writer) UI {
	return &stdUI{in: bufio.NewReader(in), out: out}
}

func (u *stdUI) Println(a ...any) {
	fmt.Fprintln(u.out, a...)
}

func (u *stdUI) Printf(format string, a ...any) {
	fmt.Fprintf(u.out, format, a...)
}

func (u *stdUI) Ask(prompt string) (string, error) {
	u.Printf("%s", prompt)
	text, err := u.in.ReadString('\n')
	if err != nil && (err != io.EOF || text == "") {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (u *stdUI) Confirm(prompt string) (bool, error) {
	ans, err := u.Ask(fmt.Sprintf("%s (yes/no): ", prompt))
	if err != nil {
		return false, err
	}
	ans = strings.ToLower(strings.TrimSpace(ans))
	return ans == "y" || ans == "yes", nil
}

// Engine is the part of backup.Orchestrator the commands drive.
type Engine interface {
	Plan(ctx context.Context, opts backup.StartOptions) (backup.PlanResult, error)
	Start(ctx context.Context, opts backup.StartOptions) (backup.RunResult, error)
	Mount(ctx context.Context, image, dir string) (*backup.MountSession, backup.LoopBinding, error)
	Umount(ctx context.Context, image, dir string) (backup.UmountResult, error)
	CloneID(ctx context.Context, image, sourceDisk string) (backup.Identifiers, error)
	ShowDF(ctx context.Context, image string) ([]backup.PartitionUsage, error)
	Compress(ctx context.Context, image string, deleteAfter bool, progress backup.CompressProgress) (string, error)
	OnSyncProgress(fn func(backup.Progress))
}

// env carries what the commands need from the outside world. Tests swap
// the engine, the privilege check and the logger setup.
type env struct {
	ui    UI
	out   io.Writer
	errw  io.Writer
	opts  Options
	cfg   *config.Config
	color bool
	// interactive enables progress bars on errw.
	interactive bool

	loadConfig   func(path string) (*config.Config, error)
	setupLogging func(verbosity int, logFile string)
	checkPrereq  func() error
	newEngine    func(cfg *config.Config) (Engine, error)
}

func defaultEnv() *env {
	return &env{
		ui:           NewStdUI(),
		out:          os.Stdout,
		errw:         os.Stderr,
		color:        isTerminal(os.Stdout),
		interactive:  isTerminal(os.Stderr),
		loadConfig:   config.Load,
		setupLogging: logging.SetupLogger,
		checkPrereq:  backup.CheckPrerequisites,
		newEngine:    newOrchestrator,
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// engine checks the host and builds the engine from the loaded config.
func (e *env) engine() (Engine, error) {
	if err := e.checkPrereq(); err != nil {
		return nil, err
	}
	return e.newEngine(e.cfg)
}

// newOrchestrator maps the configuration onto a backup.Orchestrator.
func newOrchestrator(cfg *config.Config) (Engine, error) {
	opts, deps, err := orchestratorConfig(cfg)
	if err != nil {
		return nil, err
	}
	return backup.NewOrchestrator(opts, deps), nil
}

func orchestratorConfig(cfg *config.Config) (backup.Options, backup.Deps, error) {
	margin, err := cfg.MarginBytes()
	if err != nil {
		return backup.Options{}, backup.Deps{}, err
	}
	bootSize, err := cfg.BootSizeBytes()
	if err != nil {
		return backup.Options{}, backup.Deps{}, err
	}
	stateFile := cfg.Log.StateFile
	if stateFile == "" {
		stateFile = logging.DefaultStateFile()
	}

	opts := backup.Options{
		MountRoot:   cfg.Image.MountRoot,
		Margin:      margin,
		Strategy:    cfg.Partition.Strategy,
		Policy:      cfg.Identity.Policy,
		BootSize:    bootSize,
		Excludes:    cfg.Sync.Excludes,
		Verify:      cfg.Sync.Verify,
		LockTimeout: cfg.Image.LockTimeout,
		StateFile:   stateFile,
	}
	deps := backup.Deps{
		Rsync: cfg.Sync.Rsync,
		Retry: backup.RetryPolicy{
			Attempts: cfg.Teardown.Attempts,
			Delay:    cfg.Teardown.Delay,
		},
	}
	return opts, deps, nil
}

// Execute runs pibackup with the process arguments.
func Execute() error {
	return Run(os.Args)
}

// Run is the main entrypoint for the CLI.
//
// The first SIGINT or SIGTERM cancels the running command, which then stops
// at the next stage boundary and releases everything it acquired; further
// signals are ignored until that teardown is done.
func Run(args []string) error {
	return run(args, defaultEnv())
}

// run is the internal implementation that allows injecting a custom env
// (useful for tests).
func run(args []string, e *env) error {
	if len(args) == 0 {
		return fmt.Errorf("no arguments provided")
	}

	ctx, stop := notifyInterrupt(context.Background())
	defer stop()

	root := newRootCmd(e)
	root.SetArgs(args[1:])
	root.SetOut(e.out)
	root.SetErr(e.errw)
	return root.ExecuteContext(ctx)
}
