package backup

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func operations(steps []ExecutionStep) []string {
	ops := make([]string, 0, len(steps))
	for _, s := range steps {
		ops = append(ops, s.Operation)
	}
	return ops
}

func findStep(t *testing.T, steps []ExecutionStep, op string) ExecutionStep {
	t.Helper()
	for _, s := range steps {
		if s.Operation == op {
			return s
		}
	}
	t.Fatalf("no %q step in %v", op, operations(steps))
	return ExecutionStep{}
}

func TestPlan_NewImage(t *testing.T) {
	h := newFakeHost(t)
	o := h.orchestrator(testOptions())

	plan, err := o.Plan(context.Background(), StartOptions{Image: testImage, Create: true, Compress: true})
	require.NoError(t, err)

	assert.Equal(t, "/dev/mmcblk0", plan.Source.Disk())
	assert.Equal(t, testMountDir, plan.MountDir)
	assert.Equal(t, SizeMeasured, plan.Estimate.Mode)
	assert.Equal(t, []string{
		"create-image", "attach", "partition", "format", "clone-identity", "mount",
		"sync-boot", "sync-root", "rewrite-references", "unmount", "detach", "compress",
	}, operations(plan.Steps))

	attach := findStep(t, plan.Steps, "attach")
	require.NotNil(t, attach.Command)
	assert.Equal(t, "losetup --find --show --partscan "+testImage, attach.Command.String())

	part := findStep(t, plan.Steps, "partition")
	assert.Contains(t, part.Description, "label: dos")
	assert.Contains(t, part.Description, "type=83")

	boot := findStep(t, plan.Steps, "sync-boot")
	require.NotNil(t, boot.Command)
	assert.Equal(t, "rsync", boot.Command.Name)
	assert.Equal(t, []string{"/boot/firmware/", testMountDir + "/boot/firmware/"}, boot.Command.Args[len(boot.Command.Args)-2:])

	root := findStep(t, plan.Steps, "sync-root")
	require.NotNil(t, root.Command)
	assert.Contains(t, root.Command.Args, "--filter=P /boot/firmware/**")
	assert.Contains(t, root.Command.Args, "--exclude="+testMountDir)
	assert.Contains(t, root.Command.Args, "--exclude="+testImage)

	// nothing was touched
	assert.Zero(t, h.exec.count("losetup --find"))
	assert.Zero(t, h.exec.count("mkfs"))
	assert.Zero(t, h.exec.count("rsync"))
}

func TestPlan_ExistingImage(t *testing.T) {
	h := newFakeHost(t)
	mustWrite(t, h.fs, testImage, strings.Repeat("\x00", 2048))
	o := h.orchestrator(testOptions())

	plan, err := o.Plan(context.Background(), StartOptions{Image: testImage,
		Excludes: []string{"/home/pi/Downloads", "/boot/firmware/overlays/old.dtbo", "*.bak"}})
	require.NoError(t, err)

	assert.Equal(t, SizeEstimate{Mode: SizeExplicit, Capacity: 2048}, plan.Estimate)
	assert.Equal(t, []string{
		"attach", "mount", "sync-boot", "sync-root", "rewrite-references", "unmount", "detach",
	}, operations(plan.Steps))
	root := findStep(t, plan.Steps, "sync-root")
	assert.Contains(t, root.Command.Args, "--exclude=/home/pi/Downloads")
	assert.Contains(t, root.Command.Args, "--exclude=*.bak")
	boot := findStep(t, plan.Steps, "sync-boot")
	assert.Contains(t, boot.Command.Args, "--exclude=/overlays/old.dtbo")
	assert.Contains(t, boot.Command.Args, "--exclude=*.bak")
	assert.NotContains(t, boot.Command.Args, "--exclude=/home/pi/Downloads")
	assert.Contains(t, plan.String(), "(existing image)")
}

func TestPlan_RejectsMismatchedCreate(t *testing.T) {
	h := newFakeHost(t)
	o := h.orchestrator(testOptions())

	_, err := o.Plan(context.Background(), StartOptions{Image: testImage})
	assert.Equal(t, ErrInvalidInput, CodeOf(err))

	mustWrite(t, h.fs, testImage, "x")
	_, err = o.Plan(context.Background(), StartOptions{Image: testImage, Create: true})
	assert.Equal(t, ErrInvalidInput, CodeOf(err))
}

func TestPlanResult_String(t *testing.T) {
	h := newFakeHost(t)
	o := h.orchestrator(testOptions())

	plan, err := o.Plan(context.Background(), StartOptions{Image: testImage, Create: true})
	require.NoError(t, err)

	text := plan.String()
	assert.True(t, strings.HasPrefix(text, "Backup plan: /dev/mmcblk0 -> "+testImage+"\n"), text)
	assert.Contains(t, text, " 1. create-image: ")
	assert.Contains(t, text, "sync-root: copy / to "+testMountDir)
}

func TestApply_RunsCommandSteps(t *testing.T) {
	exec := newFakeExec()
	a := Cmd("losetup", "--find", "--show", "--partscan", testImage)
	b := Cmd("rsync", "-rt", "/boot/", "/mnt/pi.img/boot/")
	steps := []ExecutionStep{
		{Operation: "create-image"},
		{Operation: "attach", Command: &a},
		{Operation: "sync-boot", Command: &b},
	}

	require.NoError(t, Apply(context.Background(), exec, steps))
	assert.Equal(t, []string{a.Name + " " + strings.Join(a.Args, " "), "rsync -rt /boot/ /mnt/pi.img/boot/"}, exec.commands())
}

func TestApply_StopsOnFailure(t *testing.T) {
	exec := newFakeExec()
	exec.fail("losetup", 1, "losetup: cannot find an unused loop device")
	a := Cmd("losetup", "--find", "--show", "--partscan", testImage)
	b := Cmd("rsync", "-rt", "/boot/", "/mnt/pi.img/boot/")

	err := Apply(context.Background(), exec, []ExecutionStep{
		{Operation: "attach", Command: &a},
		{Operation: "sync-boot", Command: &b},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `apply failed on operation "attach"`)
	var ce *CommandError
	assert.True(t, errors.As(err, &ce))
	assert.Zero(t, exec.count("rsync"))
}

func TestApply_NoopRunner(t *testing.T) {
	h := newFakeHost(t)
	o := h.orchestrator(testOptions())
	plan, err := o.Plan(context.Background(), StartOptions{Image: testImage, Create: true})
	require.NoError(t, err)

	require.NoError(t, Apply(context.Background(), NewNoopRunner(), plan.Steps))
	assert.Zero(t, h.exec.count("rsync"))
}
