// Package cli provides the command-line interface of pibackup.
//
// The CLI loads the layered configuration, checks that the host can run a
// backup and hands the work to the backup engine: start, mount, umount,
// gzip, cloneid and showdf. A dry run of start prints the plan instead of
// executing it. Use `Execute` (or `Run` with an explicit argument list) as
// the entry point when embedding the CLI in other tools.
//
// Example usage:
//
//	if err := cli.Execute(); err != nil {
//		fmt.Fprintln(os.Stderr, "pibackup:", err)
//		os.Exit(1)
//	}
package cli
