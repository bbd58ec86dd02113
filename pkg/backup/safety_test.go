package backup

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPrerequisites_RequiresRoot(t *testing.T) {
	err := checkPrerequisites(1000, func(string) (string, error) { return "/usr/bin/x", nil })
	require.Error(t, err)
	assert.Equal(t, ErrPermission, CodeOf(err))
}

func TestCheckPrerequisites_ReportsMissingCommands(t *testing.T) {
	lookPath := func(name string) (string, error) {
		if name == "rsync" || name == "fatlabel" {
			return "", errors.New("not found")
		}
		return "/usr/sbin/" + name, nil
	}

	err := checkPrerequisites(0, lookPath)
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrInvalidInput, e.Code)
	assert.Equal(t, "fatlabel,rsync", e.Detail("missing"))
}

func TestCheckPrerequisites_AllPresent(t *testing.T) {
	assert.NoError(t, checkPrerequisites(0, func(name string) (string, error) { return "/usr/bin/" + name, nil }))
}

func TestValidateImagePath(t *testing.T) {
	src := testSource()

	assert.NoError(t, ValidateImagePath("/srv/backups/pi.img", src, "/mnt/pi.img"))

	cases := []string{
		"pi.img",
		"/dev/mmcblk0",
		"/dev/sda",
		"/mnt/pi.img/pi.img",
		"/srv/-rf/pi.img",
		"/srv/pi\n.img",
	}
	for _, image := range cases {
		err := ValidateImagePath(image, src, "/mnt/pi.img")
		assert.Equal(t, ErrInvalidInput, CodeOf(err), image)
	}

	for _, image := range []string{"/dev/mmcblk0", "/dev/mmcblk0p1"} {
		err := ValidateImagePath(image, src, "")
		assert.ErrorContains(t, err, "it is the source disk", image)
	}
}
