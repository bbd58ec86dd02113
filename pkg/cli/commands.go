package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/woliveiras/pibackup/pkg/backup"
	"github.com/woliveiras/pibackup/pkg/logging"
)

func newRootCmd(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:   "pibackup",
		Short: "Back up a running Raspberry Pi into a bootable image file",
		Long: `pibackup copies the running system of a Raspberry Pi into a sparse image
file with the same two-partition layout as the boot card. The image can be
written to another card and booted, or kept up to date incrementally with
later runs of "pibackup start".`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := e.loadConfig(e.opts.ConfigFile)
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.setupLogging(e.opts.Verbosity, cfg.Log.File)
			logger := logging.GetLogger("cli")
			logger.Debug().Str("command", cmd.Name()).Msg("Command started")

			if e.opts.DryRun && cmd.Name() != "start" {
				return fmt.Errorf("--dry-run is only supported by start")
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.CountVarP(&e.opts.Verbosity, "verbose", "v", "Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)")
	flags.StringVar(&e.opts.ConfigFile, "config", "", "configuration file (default /etc/pibackup.toml when present)")
	flags.BoolVar(&e.opts.DryRun, "dry-run", false, "show what start would do without changing anything")
	flags.BoolVarP(&e.opts.Yes, "yes", "y", false, "do not ask for confirmation")

	root.AddCommand(
		newStartCmd(e),
		newMountCmd(e),
		newUmountCmd(e),
		newGzipCmd(e),
		newCloneIDCmd(e),
		newShowDFCmd(e),
		newConfigCmd(e),
	)
	return root
}

func newStartCmd(e *env) *cobra.Command {
	var (
		opts     backup.StartOptions
		size     string
		strategy string
		policy   string
	)

	cmd := &cobra.Command{
		Use:   "start <image>",
		Short: "Create or update a backup image of the running system",
		Long: `Start syncs the running system into <image>. With --create a new sparse
image is sized from the used space of the live filesystems, partitioned like
the boot card and formatted; without it an existing image is updated in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Image = args[0]
			if err := absPaths(&opts.Image, &opts.MountDir); err != nil {
				return err
			}
			if size != "" {
				n, err := humanize.ParseBytes(size)
				if err != nil {
					return fmt.Errorf("invalid --size %q: %w", size, err)
				}
				opts.Size = n
			}
			if opts.Size > 0 && opts.SizeFromDevice {
				return fmt.Errorf("--size and --size-from-device are mutually exclusive")
			}
			if (opts.Size > 0 || opts.SizeFromDevice) && !opts.Create {
				return fmt.Errorf("--size and --size-from-device require --create")
			}
			if opts.DeleteAfterCompress && !opts.Compress {
				return fmt.Errorf("--delete-after-compress requires --compress")
			}
			if strategy != "" {
				e.cfg.Partition.Strategy = strategy
			}
			if policy != "" {
				e.cfg.Identity.Policy = policy
			}
			if err := e.cfg.Validate(); err != nil {
				return err
			}

			eng, err := e.engine()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if e.opts.DryRun {
				plan, err := eng.Plan(ctx, opts)
				if err != nil {
					return err
				}
				e.ui.Println(plan.String())
				return backup.Apply(ctx, backup.NewNoopRunner(), plan.Steps)
			}

			if opts.DeleteAfterCompress && !e.opts.Yes {
				ok, err := e.ui.Confirm(fmt.Sprintf("Delete %s once %s.gz is written?", opts.Image, opts.Image))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("backup cancelled by user")
				}
			}

			bars := newProgressRenderer(e.errw, e.interactive && e.cfg.Sync.Progress)
			eng.OnSyncProgress(bars.Sync)
			opts.OnCompress = bars.Compress

			res, err := eng.Start(ctx, opts)
			bars.Finish()
			printRunSummary(e.ui, newStyles(e.color), res)
			return err
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.Create, "create", false, "create a new image instead of updating an existing one")
	f.BoolVar(&opts.Compress, "compress", false, "gzip the image to <image>.gz after the backup")
	f.BoolVar(&opts.DeleteAfterCompress, "delete-after-compress", false, "remove <image> once <image>.gz is complete")
	f.StringVar(&size, "size", "", "capacity of a new image, e.g. 8GB or 7.5GiB (default: used space plus margin)")
	f.BoolVar(&opts.SizeFromDevice, "size-from-device", false, "make a new image as large as the source device")
	f.StringVar(&opts.SourceDisk, "source", "", "source disk, e.g. mmcblk0 (default: the disk holding /)")
	f.StringVar(&opts.MountDir, "mount-dir", "", "where to mount the image while syncing (default <mount_root>/<image name>)")
	f.StringArrayVar(&opts.Excludes, "exclude", nil, "additional rsync exclude pattern (repeatable); absolute patterns under the boot mountpoint also apply to the boot copy")
	f.StringVar(&strategy, "strategy", "", `partition strategy for new images: "clone" or "fresh"`)
	f.StringVar(&policy, "policy", "", `identifier policy: "fresh" or "source"`)
	return cmd
}

func newMountCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "mount <image> [mountdir]",
		Short: "Attach an image and mount its partitions",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := e.engine()
			if err != nil {
				return err
			}
			image, dir := args[0], ""
			if len(args) > 1 {
				dir = args[1]
			}
			if err := absPaths(&image, &dir); err != nil {
				return err
			}
			m, loop, err := eng.Mount(cmd.Context(), image, dir)
			if err != nil {
				return err
			}
			e.ui.Printf("%s attached to %s\n", loop.Image, loop.Device)
			e.ui.Printf("  root mounted at %s\n", m.Dir)
			e.ui.Printf("  boot mounted at %s\n", m.BootDir)
			e.ui.Printf("Run \"pibackup umount %s\" when done.\n", loop.Image)
			return nil
		},
	}
}

func newUmountCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "umount <image> [mountdir]",
		Short: "Unmount an image and detach its loop device",
		Long: `Umount unmounts <image> wherever its partitions are mounted, or from
[mountdir] when given, and detaches its loop device. The default mount
directory is removed afterwards. A custom [mountdir] is left in place even
when "pibackup mount" created it; remove it by hand if it is no longer needed.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := e.engine()
			if err != nil {
				return err
			}
			image, dir := args[0], ""
			if len(args) > 1 {
				dir = args[1]
			}
			if err := absPaths(&image, &dir); err != nil {
				return err
			}
			res, err := eng.Umount(cmd.Context(), image, dir)
			if err != nil {
				return err
			}
			if res.Unmounted == 0 && res.Detached == 0 {
				e.ui.Printf("%s is neither mounted nor attached\n", image)
				return nil
			}
			e.ui.Printf("Unmounted %d filesystem(s), detached %d loop device(s)\n", res.Unmounted, res.Detached)
			return nil
		},
	}
}

func newGzipCmd(e *env) *cobra.Command {
	var deleteAfter bool
	cmd := &cobra.Command{
		Use:   "gzip <image>",
		Short: "Compress an image to <image>.gz",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image := args[0]
			if err := absPaths(&image); err != nil {
				return err
			}
			eng, err := e.engine()
			if err != nil {
				return err
			}
			if deleteAfter && !e.opts.Yes {
				ok, err := e.ui.Confirm(fmt.Sprintf("Delete %s once %s.gz is written?", image, image))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("compression cancelled by user")
				}
			}

			bars := newProgressRenderer(e.errw, e.interactive)
			out, err := eng.Compress(cmd.Context(), image, deleteAfter, bars.Compress)
			bars.Finish()
			if err != nil {
				return err
			}
			e.ui.Printf("Wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleteAfter, "delete", false, "remove the image once the archive is complete")
	return cmd
}

func newCloneIDCmd(e *env) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "cloneid <image>",
		Short: "Set the identifiers of an existing image and fix its fstab and cmdline.txt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := e.engine()
			if err != nil {
				return err
			}
			image := args[0]
			if err := absPaths(&image); err != nil {
				return err
			}
			ids, err := eng.CloneID(cmd.Context(), image, source)
			if err != nil {
				return err
			}
			e.ui.Printf("Identifiers of %s (policy %s):\n", image, e.cfg.Identity.Policy)
			e.ui.Println(identifierLines(ids))
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source disk, e.g. mmcblk0 (default: the disk holding /)")
	return cmd
}

func newShowDFCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "showdf <image>",
		Short: "Show size and usage of the image partitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := e.engine()
			if err != nil {
				return err
			}
			image := args[0]
			if err := absPaths(&image); err != nil {
				return err
			}
			rows, err := eng.ShowDF(cmd.Context(), image)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return errors.New("no partitions found in " + image)
			}
			e.ui.Println(usageTable(rows))
			return nil
		},
	}
}

func newConfigCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := e.cfg.TOML()
			if err != nil {
				return err
			}
			e.ui.Printf("%s", out)
			return nil
		},
	}
}

// absPaths resolves user supplied paths against the working directory.
// Empty paths stay empty so the engine can apply its defaults.
func absPaths(paths ...*string) error {
	for _, p := range paths {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("cannot resolve %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}
