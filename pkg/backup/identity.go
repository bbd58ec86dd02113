package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	fstab "github.com/deniswernert/go-fstab"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Identity policies.
const (
	// PolicyFresh gives the image host-generated identifiers so it never
	// collides with the live card when both are visible to the kernel.
	PolicyFresh = "fresh"
	// PolicySource copies the live card's identifiers verbatim.
	PolicySource = "source"
)

// Identifiers are the values boot configuration uses to find partitions.
type Identifiers struct {
	RootUUID string `yaml:"root_uuid,omitempty"`
	// BootUUID is the FAT volume id, e.g. "5DF9-E225".
	BootUUID string `yaml:"boot_uuid,omitempty"`
	// TableID is the MBR disk identifier without 0x, e.g. "6c586e13".
	TableID string `yaml:"table_id,omitempty"`
}

// BootPartUUID returns the PARTUUID of partition 1.
func (i Identifiers) BootPartUUID() string { return mbrPartUUID(i.TableID, 1) }

// RootPartUUID returns the PARTUUID of partition 2.
func (i Identifiers) RootPartUUID() string { return mbrPartUUID(i.TableID, 2) }

func (i Identifiers) String() string {
	return fmt.Sprintf("root=%s boot=%s ptuuid=%s", i.RootUUID, i.BootUUID, i.TableID)
}

func mbrPartUUID(tableID string, n int) string {
	if tableID == "" {
		return ""
	}
	return fmt.Sprintf("%s-%02d", tableID, n)
}

// IdentityCloner sets the identifiers of an image and rewrites the image's
// own boot configuration to reference them.
type IdentityCloner struct {
	exec    Executor
	fs      afero.Fs
	policy  string
	newUUID func() uuid.UUID
	// reread refreshes the kernel's view of the partition table once the
	// disk id changed.
	reread func(ctx context.Context, dev string) (PartitionLayout, error)
}

func NewIdentityCloner(exec Executor, fs afero.Fs, policy string, reread func(context.Context, string) (PartitionLayout, error)) *IdentityCloner {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if policy == "" {
		policy = PolicyFresh
	}
	return &IdentityCloner{exec: exec, fs: fs, policy: policy, newUUID: uuid.New, reread: reread}
}

// TargetIdentifiers returns the identifiers an image of src gets under the
// cloner's policy.
func (c *IdentityCloner) TargetIdentifiers(src Identifiers) (Identifiers, error) {
	if c.policy == PolicySource {
		if src.RootUUID == "" || src.TableID == "" {
			return Identifiers{}, Newf(ErrIdentityMismatch, "source identifiers are incomplete (%s)", src)
		}
		return src, nil
	}

	ids := Identifiers{RootUUID: c.newUUID().String()}
	for ids.TableID == "" || ids.TableID == "00000000" || ids.TableID == src.TableID {
		u := c.newUUID()
		ids.TableID = fmt.Sprintf("%x", u[:4])
	}
	for ids.BootUUID == "" || ids.BootUUID == "0000-0000" || ids.BootUUID == src.BootUUID {
		u := c.newUUID()
		ids.BootUUID = fmt.Sprintf("%02X%02X-%02X%02X", u[0], u[1], u[2], u[3])
	}
	return ids, nil
}

// ClonePartitionIdentity checks the image root filesystem, then writes the
// target identifiers to the root filesystem, the boot filesystem and the
// partition table of dev. The written values are read back from the
// devices. It returns the identifiers and the refreshed layout.
func (c *IdentityCloner) ClonePartitionIdentity(ctx context.Context, src SourceDevice, dev string, layout PartitionLayout) (Identifiers, PartitionLayout, error) {
	logger := componentLogger("identity")

	target, err := c.TargetIdentifiers(src.Identifiers())
	if err != nil {
		return Identifiers{}, layout, err
	}
	logger.Info().Str("policy", c.policy).Str("target", target.String()).Msg("Setting image identifiers")

	root := layout.Root.Device
	if _, err := c.exec.Run(ctx, Cmd("e2fsck", "-f", "-y", root)); err != nil {
		// 1 and 2 mean errors were corrected
		if code := ExitCodeOf(err); code != 1 && code != 2 {
			return Identifiers{}, layout, Wrapf(err, ErrIdentityMismatch, "filesystem check of %s failed", root).
				WithDetail("partition", root)
		}
	}
	if _, err := c.exec.Run(ctx, Cmd("tune2fs", "-U", target.RootUUID, root)); err != nil {
		return Identifiers{}, layout, Wrapf(err, ErrIdentityMismatch, "cannot set UUID of %s", root).WithDetail("partition", root)
	}
	if target.BootUUID != "" {
		volID := strings.ReplaceAll(target.BootUUID, "-", "")
		if _, err := c.exec.Run(ctx, Cmd("fatlabel", "-i", layout.Boot.Device, volID)); err != nil {
			return Identifiers{}, layout, Wrapf(err, ErrIdentityMismatch, "cannot set volume id of %s", layout.Boot.Device).
				WithDetail("partition", layout.Boot.Device)
		}
	}
	if _, err := c.exec.Run(ctx, Cmd("sfdisk", "--disk-id", dev, "0x"+target.TableID)); err != nil {
		return Identifiers{}, layout, Wrapf(err, ErrIdentityMismatch, "cannot set disk identifier of %s", dev).WithDetail("device", dev)
	}

	if c.reread != nil {
		refreshed, err := c.reread(ctx, dev)
		if err != nil {
			return Identifiers{}, layout, err
		}
		layout = refreshed
	}

	got, err := c.ReadIdentifiers(ctx, dev, layout)
	if err != nil {
		return Identifiers{}, layout, err
	}
	if !strings.EqualFold(got.RootUUID, target.RootUUID) {
		return Identifiers{}, layout, Newf(ErrIdentityMismatch, "root UUID of %s reads back as %q", root, got.RootUUID).
			WithDetail("expected", target.RootUUID).WithDetail("actual", got.RootUUID)
	}
	if got.TableID != target.TableID {
		return Identifiers{}, layout, Newf(ErrIdentityMismatch, "disk identifier of %s reads back as %q", dev, got.TableID).
			WithDetail("expected", target.TableID).WithDetail("actual", got.TableID)
	}
	if target.BootUUID != "" && got.BootUUID != "" && !strings.EqualFold(got.BootUUID, target.BootUUID) {
		logger.Warn().Str("expected", target.BootUUID).Str("actual", got.BootUUID).Msg("Boot volume id differs from requested")
	}

	layout.Root.UUID = got.RootUUID
	layout.Boot.UUID = got.BootUUID
	layout.TableID = got.TableID
	logger.Info().Str("identifiers", got.String()).Msg("Image identifiers set")
	return got, layout, nil
}

// ReadIdentifiers probes the devices directly rather than trusting the udev
// cache, which lags behind tune2fs and sfdisk.
func (c *IdentityCloner) ReadIdentifiers(ctx context.Context, dev string, layout PartitionLayout) (Identifiers, error) {
	var ids Identifiers

	res, err := c.exec.Run(ctx, Cmd("blkid", "-p", "-s", "UUID", "-o", "value", layout.Root.Device))
	if err != nil {
		return ids, Wrapf(err, ErrIdentityMismatch, "cannot read UUID of %s", layout.Root.Device)
	}
	ids.RootUUID = res.Output()

	res, err = c.exec.Run(ctx, Cmd("blkid", "-p", "-s", "UUID", "-o", "value", layout.Boot.Device))
	if err == nil {
		ids.BootUUID = res.Output()
	}

	res, err = c.exec.Run(ctx, Cmd("sfdisk", "--disk-id", dev))
	if err != nil {
		return ids, Wrapf(err, ErrIdentityMismatch, "cannot read disk identifier of %s", dev)
	}
	ids.TableID = normalizeTableID(res.Output())
	return ids, nil
}

// ReferenceMap maps identifier references found in fstab and cmdline.txt
// (e.g. "UUID=...", "PARTUUID=...-02", "/dev/mmcblk0p2") to their
// replacement. Keys are lower case.
type ReferenceMap map[string]string

func (m ReferenceMap) add(from, to string) {
	if from == "" || to == "" || strings.EqualFold(from, to) {
		return
	}
	m[strings.ToLower(from)] = to
}

// Lookup returns the replacement for ref.
func (m ReferenceMap) Lookup(ref string) (string, bool) {
	v, ok := m[strings.ToLower(ref)]
	return v, ok
}

// NewReferenceMap maps everything that may name the source partitions, or
// the image's previous identifiers, to the image's current identifiers.
func NewReferenceMap(current Identifiers, src SourceDevice, previous ...Identifiers) ReferenceMap {
	m := ReferenceMap{}
	for _, old := range append([]Identifiers{src.Identifiers()}, previous...) {
		if old.RootUUID != "" {
			m.add("UUID="+old.RootUUID, "UUID="+current.RootUUID)
		}
		if old.BootUUID != "" && current.BootUUID != "" {
			m.add("UUID="+old.BootUUID, "UUID="+current.BootUUID)
		}
		if old.TableID != "" && current.TableID != "" {
			m.add("PARTUUID="+old.BootPartUUID(), "PARTUUID="+current.BootPartUUID())
			m.add("PARTUUID="+old.RootPartUUID(), "PARTUUID="+current.RootPartUUID())
		}
	}
	if current.TableID != "" {
		if dev := src.Layout.Boot.Device; dev != "" {
			m.add(dev, "PARTUUID="+current.BootPartUUID())
		}
		if dev := src.Layout.Root.Device; dev != "" {
			m.add(dev, "PARTUUID="+current.RootPartUUID())
		}
	}
	return m
}

// RewriteReport tells which boot configuration files changed.
type RewriteReport struct {
	FstabEntries   int
	CmdlineChanged bool
}

// RewriteBootReferences edits <imageRoot>/etc/fstab and, when present,
// <bootDir>/cmdline.txt so that partition references resolve to the
// image's own partitions. It must run after the sync pass and before the
// image is unmounted. A missing or unreadable fstab, or a stale reference
// left behind, is IDENTITY_MISMATCH.
func (c *IdentityCloner) RewriteBootReferences(imageRoot, bootDir string, refs ReferenceMap) (RewriteReport, error) {
	logger := componentLogger("identity")
	var report RewriteReport

	fstabPath := filepath.Join(imageRoot, "etc", "fstab")
	data, err := afero.ReadFile(c.fs, fstabPath)
	if err != nil {
		return report, Wrapf(err, ErrIdentityMismatch, "cannot read %s", fstabPath).WithDetail("file", fstabPath)
	}
	content, n := rewriteFstab(string(data), refs)
	if n > 0 {
		if err := c.writeKeepingMode(fstabPath, content); err != nil {
			return report, Wrapf(err, ErrIdentityMismatch, "cannot write %s", fstabPath).WithDetail("file", fstabPath)
		}
	}
	report.FstabEntries = n
	if stale := staleFstabRefs(content, refs); len(stale) > 0 {
		return report, Newf(ErrIdentityMismatch, "%s still references %s", fstabPath, strings.Join(stale, ", ")).
			WithDetail("file", fstabPath)
	}

	cmdlinePath := filepath.Join(bootDir, "cmdline.txt")
	data, err = afero.ReadFile(c.fs, cmdlinePath)
	switch {
	case err == nil:
		line, changed := rewriteCmdline(string(data), refs)
		if changed {
			if err := c.writeKeepingMode(cmdlinePath, line); err != nil {
				return report, Wrapf(err, ErrIdentityMismatch, "cannot write %s", cmdlinePath).WithDetail("file", cmdlinePath)
			}
		}
		report.CmdlineChanged = changed
	default:
		if ok, _ := afero.Exists(c.fs, cmdlinePath); ok {
			return report, Wrapf(err, ErrIdentityMismatch, "cannot read %s", cmdlinePath).WithDetail("file", cmdlinePath)
		}
		logger.Debug().Str("file", cmdlinePath).Msg("No kernel command line in image")
	}

	logger.Info().
		Int("fstab_entries", report.FstabEntries).
		Bool("cmdline_changed", report.CmdlineChanged).
		Msg("Boot references rewritten")
	return report, nil
}

func (c *IdentityCloner) writeKeepingMode(path, content string) error {
	info, err := c.fs.Stat(path)
	if err != nil {
		return err
	}
	return afero.WriteFile(c.fs, path, []byte(content), info.Mode().Perm())
}

// rewriteFstab replaces the device field of entries found in refs. Other
// text, including comments and spacing, is kept as is.
func rewriteFstab(content string, refs ReferenceMap) (string, int) {
	lines := strings.Split(content, "\n")
	changed := 0
	for i, line := range lines {
		m, err := fstab.ParseLine(line)
		if err != nil || m == nil {
			continue
		}
		repl, ok := refs.Lookup(m.Spec)
		if !ok {
			continue
		}
		idx := strings.Index(line, m.Spec)
		if idx < 0 {
			continue
		}
		lines[i] = line[:idx] + repl + line[idx+len(m.Spec):]
		changed++
	}
	return strings.Join(lines, "\n"), changed
}

func staleFstabRefs(content string, refs ReferenceMap) []string {
	var stale []string
	for _, line := range strings.Split(content, "\n") {
		m, err := fstab.ParseLine(line)
		if err != nil || m == nil {
			continue
		}
		if _, ok := refs.Lookup(m.Spec); ok {
			stale = append(stale, m.Spec)
		}
	}
	return stale
}

// rewriteCmdline replaces the root= argument of a kernel command line.
func rewriteCmdline(content string, refs ReferenceMap) (string, bool) {
	trailing := content[len(strings.TrimRight(content, "\n")):]
	fields := strings.Fields(content)
	changed := false
	for i, f := range fields {
		val, ok := strings.CutPrefix(f, "root=")
		if !ok {
			continue
		}
		if repl, ok := refs.Lookup(val); ok {
			fields[i] = "root=" + repl
			changed = true
		}
	}
	if !changed {
		return content, false
	}
	return strings.Join(fields, " ") + trailing, true
}

// BootMountpointFromFstab returns the mountpoint of the vfat entry in the
// image's fstab, or "" when there is none.
func BootMountpointFromFstab(fs afero.Fs, imageRoot string) string {
	data, err := afero.ReadFile(fs, filepath.Join(imageRoot, "etc", "fstab"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		m, err := fstab.ParseLine(line)
		if err != nil || m == nil {
			continue
		}
		if isFAT(m.VfsType) && strings.HasPrefix(m.File, "/boot") {
			return m.File
		}
	}
	return ""
}
