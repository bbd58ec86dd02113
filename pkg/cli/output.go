package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/schollz/progressbar/v3"

	"github.com/woliveiras/pibackup/pkg/backup"
)

type styles struct {
	title   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	label   lipgloss.Style
	path    lipgloss.Style
}

// newStyles returns the summary styles. Without colour every style renders
// its input unchanged.
func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain, plain, plain}
	}
	return styles{
		title:   lipgloss.NewStyle().Bold(true),
		success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		failure: lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		label:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		path:    lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Italic(true),
	}
}

// printRunSummary reports a finished start run.
func printRunSummary(ui UI, st styles, res backup.RunResult) {
	switch res.Outcome {
	case backup.OutcomeSuccess:
		head := "Backup complete"
		if len(res.Warnings) > 0 {
			ui.Println(st.warning.Render(head+" with warnings") + " " + st.path.Render(res.Image))
		} else {
			ui.Println(st.success.Render(head) + " " + st.path.Render(res.Image))
		}
	case backup.OutcomeInterrupted:
		ui.Println(st.warning.Render("Backup interrupted") + " " + st.path.Render(res.Image) +
			" at stage " + res.Stage.String())
	default:
		ui.Println(st.failure.Render("Backup failed") + " " + st.path.Render(res.Image) +
			" at stage " + res.Stage.String())
	}

	row := func(label, value string) {
		if value != "" {
			ui.Printf("  %s %s\n", st.label.Render(fmt.Sprintf("%-12s", label+":")), value)
		}
	}
	row("source", res.Source)
	if res.Capacity > 0 {
		created := ""
		if res.Created {
			created = " (new)"
		}
		row("capacity", humanize.IBytes(res.Capacity)+created)
	}
	if res.Sync.BytesTransferred > 0 {
		row("transferred", humanize.Bytes(res.Sync.BytesTransferred))
	}
	if ids := res.Identifiers; ids.TableID != "" {
		row("disk id", ids.TableID)
		row("root uuid", ids.RootUUID)
		row("boot uuid", ids.BootUUID)
	}
	row("archive", res.Compressed)
	row("duration", res.Duration.Round(time.Second).String())
	for _, w := range res.Warnings {
		ui.Println("  " + st.warning.Render("warning:") + " " + w)
	}
}

// usageTable renders showdf rows.
func usageTable(rows []backup.PartitionUsage) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 60
	for _, col := range []int{3, 4, 5, 6} {
		table.RightAlign(col)
	}
	table.AddRow("PARTITION", "DEVICE", "MOUNTED ON", "SIZE", "USED", "AVAIL", "USE%")
	for _, r := range rows {
		pct := "-"
		if r.Total > 0 {
			pct = fmt.Sprintf("%d%%", (r.Used*100+r.Total-1)/r.Total)
		}
		table.AddRow(string(r.Role), r.Device, r.Mountpoint,
			humanize.IBytes(r.Total), humanize.IBytes(r.Used), humanize.IBytes(r.Avail), pct)
	}
	return table
}

// progressRenderer draws one bar per sync pass and one for compression.
// It does nothing when disabled, so callers never need to check.
type progressRenderer struct {
	w       io.Writer
	enabled bool

	mu    sync.Mutex
	bar   *progressbar.ProgressBar
	phase string
}

func newProgressRenderer(w io.Writer, enabled bool) *progressRenderer {
	return &progressRenderer{w: w, enabled: enabled}
}

func (p *progressRenderer) Sync(ev backup.Progress) {
	if !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	phase := "sync " + string(ev.Pass)
	if p.bar == nil || p.phase != phase {
		p.finishLocked()
		p.phase = phase
		p.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionSetDescription(phase),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetPredictTime(false),
		)
	}
	desc := fmt.Sprintf("%s %s", phase, humanize.Bytes(ev.Bytes))
	if ev.Rate != "" {
		desc += " " + ev.Rate
	}
	p.bar.Describe(desc)
	_ = p.bar.Set(ev.Percent)
}

func (p *progressRenderer) Compress(done, total int64) {
	if !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil || p.phase != "gzip" {
		p.finishLocked()
		p.phase = "gzip"
		p.bar = progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionSetDescription("gzip"),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	}
	_ = p.bar.Set64(done)
}

// Finish completes the current bar, if any.
func (p *progressRenderer) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked()
}

func (p *progressRenderer) finishLocked() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	fmt.Fprintln(p.w)
	p.bar = nil
	p.phase = ""
}

// identifierLines formats identifiers for cloneid output.
func identifierLines(ids backup.Identifiers) string {
	var b strings.Builder
	fmt.Fprintf(&b, "disk id:   %s\n", ids.TableID)
	fmt.Fprintf(&b, "boot:      UUID=%s PARTUUID=%s\n", ids.BootUUID, ids.BootPartUUID())
	fmt.Fprintf(&b, "root:      UUID=%s PARTUUID=%s", ids.RootUUID, ids.RootPartUUID())
	return b.String()
}
