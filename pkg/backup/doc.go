// Package backup contains the core engine of pibackup: sizing and creating a
// sparse disk image, attaching it to a loop device, partitioning and
// formatting it like the running Raspberry Pi system, syncing the live
// filesystems into it with rsync, fixing up filesystem identifiers so the
// image boots on its own, and tearing all of that down again on success,
// failure or interrupt. It is used by the CLI layer but can also be embedded
// in other tooling that needs programmatic image backups.
package backup
