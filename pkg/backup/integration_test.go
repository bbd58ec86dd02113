//go:build linux

package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests drive real loop devices and need root.
func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("PIBACKUP_INTEGRATION") != "1" || os.Geteuid() != 0 {
		t.Skip("set PIBACKUP_INTEGRATION=1 and run as root")
	}
}

func TestIntegration_AttachPartitionDetach(t *testing.T) {
	requireIntegration(t)
	ctx := context.Background()
	fs := afero.NewOsFs()
	exec := NewExecRunner()

	img := filepath.Join(t.TempDir(), "it.img")
	_, err := CreateImage(fs, img, 128*MiB, FilesystemFree)
	require.NoError(t, err)

	loops := NewLoopManager(exec, fs, RetryPolicy{})
	b, err := loops.Attach(ctx, img)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loops.Detach(context.Background(), b.Device) })

	devices, err := loops.Find(ctx, img)
	require.NoError(t, err)
	assert.Equal(t, []string{b.Device}, devices)

	f := NewPartitionFormatter(exec, RetryPolicy{})
	require.NoError(t, f.Partition(ctx, b.Device, PartitionSpec{Strategy: StrategyFresh, BootSize: 32 * MiB}))
	layout, err := f.Reread(ctx, b.Device)
	require.NoError(t, err)
	assert.Equal(t, b.Device+"p1", layout.Boot.Device)
	assert.Equal(t, b.Device+"p2", layout.Root.Device)

	require.NoError(t, loops.Detach(ctx, b.Device))
	devices, err = loops.Find(ctx, img)
	require.NoError(t, err)
	assert.Empty(t, devices)
}
