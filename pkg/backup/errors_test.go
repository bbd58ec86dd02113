package backup

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := Newf(ErrFormatFailed, "mkfs.ext4 failed").
		WithOp("format").
		WithDetail("partition", "/dev/loop0p2").
		WithDetail("fstype", "ext4")
	assert.Equal(t, "[FORMAT_FAILED] format: mkfs.ext4 failed (fstype=ext4, partition=/dev/loop0p2)", err.Error())

	wrapped := Wrap(errors.New("exit status 1"), ErrMountFailed, "cannot mount root")
	assert.Equal(t, "[MOUNT_FAILED] cannot mount root: exit status 1", wrapped.Error())
}

func TestWrap_Nil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrSyncFailed, "x"))
	assert.Nil(t, Wrapf(nil, ErrSyncFailed, "x %d", 1))
}

func TestCodeOf(t *testing.T) {
	inner := New(ErrNotAttached, "not attached")
	outer := fmt.Errorf("umount: %w", Wrap(inner, ErrMountFailed, "cannot unmount"))

	assert.Equal(t, ErrMountFailed, CodeOf(outer))
	assert.True(t, HasCode(outer, ErrNotAttached))
	assert.True(t, HasCode(outer, ErrMountFailed))
	assert.False(t, HasCode(outer, ErrSyncFailed))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.True(t, errors.Is(outer, &Error{Code: ErrNotAttached}))
}

func TestAsError(t *testing.T) {
	e, ok := AsError(fmt.Errorf("ctx: %w", New(ErrPermission, "must run as root").WithDetail("uid", "1000")))
	assert.True(t, ok)
	assert.Equal(t, "1000", e.Detail("uid"))
	assert.Empty(t, e.Detail("missing"))

	_, ok = AsError(errors.New("plain"))
	assert.False(t, ok)
}
