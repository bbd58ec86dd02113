package backup

import (
	"context"
	"path/filepath"
)

// PartitionUsage is one row of showdf.
type PartitionUsage struct {
	Role       PartitionRole
	Device     string
	Mountpoint string
	Total      uint64
	Used       uint64
	Avail      uint64
}

// ShowDF reports the size and usage of both image partitions. An image
// that is already mounted is measured in place; otherwise it is attached and
// mounted for the duration of the call.
func (o *Orchestrator) ShowDF(ctx context.Context, image string) (rows []PartitionUsage, err error) {
	logger := componentLogger("lifecycle")

	release, err := o.lock(image)
	if err != nil {
		return nil, err
	}
	defer release()

	s := &Session{}
	if s.Image, err = o.existingImage(image); err != nil {
		return nil, err
	}
	defer func() {
		if terr := s.teardown.unwind(context.WithoutCancel(ctx)); terr != nil {
			logger.Error().Err(terr).Msg("Teardown incomplete after showdf")
			if err == nil {
				err = terr
			}
		}
	}()

	devices, err := o.Loops.Find(ctx, image)
	if err != nil {
		return nil, err
	}
	var root, boot string
	if len(devices) > 0 {
		entries := o.Loops.Mounts(devices[0])
		for _, e := range entries {
			if root == "" || depth(e.Mountpoint) < depth(root) {
				root = e.Mountpoint
			}
		}
		for _, e := range entries {
			if e.Mountpoint != root {
				boot = e.Mountpoint
			}
		}
	}

	if root == "" {
		if len(devices) > 0 {
			s.Loop = &LoopBinding{Image: image, Device: devices[0]}
		} else if err := o.attach(ctx, s); err != nil {
			return nil, err
		}
		if s.Layout, err = o.Formatter.Reread(ctx, s.Loop.Device); err != nil {
			return nil, err
		}
		if err := o.mount(ctx, s, o.DefaultMountDir(image), ""); err != nil {
			return nil, err
		}
		root, boot = s.Mount.Dir, s.Mount.BootDir
	}

	for _, m := range []struct {
		role PartitionRole
		dir  string
	}{{RoleBoot, boot}, {RoleRoot, root}} {
		if m.dir == "" {
			continue
		}
		total, used, avail, err := o.stats(m.dir)
		if err != nil {
			return nil, Wrapf(err, ErrMountFailed, "cannot read usage of %s", m.dir)
		}
		dev, _ := o.Mounts.Table().DeviceAt(filepath.Clean(m.dir))
		rows = append(rows, PartitionUsage{
			Role:       m.role,
			Device:     dev,
			Mountpoint: m.dir,
			Total:      total,
			Used:       used,
			Avail:      avail,
		})
	}
	return rows, nil
}
