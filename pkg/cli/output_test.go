package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/woliveiras/pibackup/pkg/backup"
)

func TestPrintRunSummary_Plain(t *testing.T) {
	var out bytes.Buffer
	ui := NewUI(strings.NewReader(""), &out)

	printRunSummary(ui, newStyles(false), backup.RunResult{
		Outcome:  backup.OutcomeSuccess,
		Image:    "/srv/pi.img",
		Source:   "/dev/mmcblk0",
		Capacity: 4 * 1024 * backup.MiB,
		Sync:     backup.SyncReport{BytesTransferred: 1_500_000},
		Identifiers: backup.Identifiers{
			RootUUID: "3ad7386b-e1ae-4032-ae33-0c40f5ecc4ac",
			BootUUID: "5DF9-E225",
			TableID:  "6c586e13",
		},
		Warnings: []string{"missing etc/os-release"},
		Duration: 95 * time.Second,
	})

	text := out.String()
	assert.True(t, strings.HasPrefix(text, "Backup complete with warnings /srv/pi.img\n"), text)
	assert.Contains(t, text, "capacity:    4.0 GiB\n")
	assert.Contains(t, text, "transferred: 1.5 MB\n")
	assert.Contains(t, text, "disk id:     6c586e13\n")
	assert.Contains(t, text, "duration:    1m35s\n")
	assert.Contains(t, text, "warning: missing etc/os-release")
	assert.NotContains(t, text, "\x1b[")
}

func TestPrintRunSummary_Failed(t *testing.T) {
	var out bytes.Buffer
	printRunSummary(NewUI(strings.NewReader(""), &out), newStyles(false), backup.RunResult{
		Outcome: backup.OutcomeFailed,
		Stage:   backup.StagePartitioned,
		Image:   "/srv/pi.img",
	})
	assert.Contains(t, out.String(), "Backup failed /srv/pi.img at stage partitioned")
	assert.NotContains(t, out.String(), "capacity:")
}

func TestProgressRenderer(t *testing.T) {
	var w bytes.Buffer
	off := newProgressRenderer(&w, false)
	off.Sync(backup.Progress{Pass: backup.PassRoot, Percent: 50})
	off.Compress(10, 100)
	off.Finish()
	assert.Zero(t, w.Len())

	on := newProgressRenderer(&w, true)
	on.Sync(backup.Progress{Pass: backup.PassBoot, Bytes: 1000, Percent: 100})
	on.Sync(backup.Progress{Pass: backup.PassRoot, Bytes: 2000, Percent: 10, Rate: "1.00MB/s"})
	on.Compress(50, 100)
	on.Finish()
	on.Finish()
	assert.Contains(t, w.String(), "sync root")
	assert.Contains(t, w.String(), "gzip")
}

func TestIdentifierLines(t *testing.T) {
	got := identifierLines(backup.Identifiers{RootUUID: "r", BootUUID: "5DF9-E225", TableID: "6c586e13"})
	assert.Equal(t, "disk id:   6c586e13\nboot:      UUID=5DF9-E225 PARTUUID=6c586e13-01\nroot:      UUID=r PARTUUID=6c586e13-02", got)
}
