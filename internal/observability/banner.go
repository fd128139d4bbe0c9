package observability

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	colorReset    = "\033[0m"
	colorPurple   = "\033[35m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
)

var radarFrames = []string{"◜", "◝", "◞", "◟"}

// termMu synchronizes all terminal output so the cursor save/restore of
// the dashboard is never interrupted by a log write.
var termMu sync.Mutex

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

type termWriter struct{}

func (tw termWriter) Write(p []byte) (n int, err error) {
	termMu.Lock()
	defer termMu.Unlock()
	return os.Stderr.Write(p)
}

// NewTermWriter returns a stderr writer serialised with the dashboard.
func NewTermWriter() io.Writer {
	return termWriter{}
}

const banner = `
   __________  ___    __   _____ __________  ________  ______
  / ____/ __ \/   |  / /  / ___// ____/ __ \/  _/ __ \/_  __/
 / / __/ / / / /| | / /   \__ \/ /   / /_/ // // /_/ / / /
/ /_/ / /_/ / ___ |/ /______/ / /___/ _, _// // ____/ / /
\____/\____/_/  |_/_____/____/\____/_/ |_/___/_/     /_/

          >> NATURAL LANGUAGE GOALS, COMPILED <<
`

// PrintBanner clears the screen and prints the centred logo to w.
func PrintBanner(w io.Writer, width int) {
	fmt.Fprint(w, "\033[2J\033[H")
	for _, l := range strings.Split(banner, "\n") {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		fmt.Fprintf(w, "%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan+l, colorReset)
	}
}

// PoolStats reports instance pool usage.
type PoolStats interface {
	Stats() (idle, rented int)
}

// Dashboard renders the live status line of the serve command.
type Dashboard struct {
	Status *Status
	Pool   PoolStats
	Out    io.Writer

	start    time.Time
	radarIdx int
}

func NewDashboard(status *Status, pool PoolStats) *Dashboard {
	return &Dashboard{Status: status, Pool: pool, Out: os.Stdout, start: time.Now()}
}

// Init prints the banner and reserves the top of the screen.
func (d *Dashboard) Init() {
	PrintBanner(d.Out, termWidth())
	// Header/Logo area: 1-9
	// Dashboard/Status: 10
	// Gap: 11
	// Scrolling Logs: 12+
	fmt.Fprint(d.Out, "\033[12;r")
	fmt.Fprint(d.Out, "\033[12;1H")
}

// Cleanup resets the terminal.
func (d *Dashboard) Cleanup() {
	fmt.Fprint(d.Out, "\033[r\033[2J\033[H")
}

// Line builds the status line without escape sequences for positioning.
func (d *Dashboard) Line() string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(d.start).Round(time.Second)
	memMB := float64(m.Alloc) / 1024 / 1024

	role, task, lastHB := d.Status.Get()

	pulseIcon := "🔴"
	pulseText := "OFFLINE"
	pulseColor := colorNeonMag
	delta := time.Since(lastHB)
	if delta < 40*time.Second {
		pulseIcon = "🟢"
		pulseText = "HEALTHY"
		pulseColor = colorNeonCyan
	} else if delta < 90*time.Second {
		pulseIcon = "🟡"
		pulseText = "LAGGING"
		pulseColor = colorPurple
	}

	icon := "💤"
	roleColor := colorReset
	switch role {
	case RoleRunning:
		icon = "⚙️"
		roleColor = colorNeonMag
	case RoleBuild:
		icon = "🛠️"
		roleColor = colorNeonCyan
	}

	radar := " "
	if role != RoleIdle {
		radar = radarFrames[d.radarIdx]
		d.radarIdx = (d.radarIdx + 1) % len(radarFrames)
	}

	displayTask := task
	if displayTask == "" {
		displayTask = "Waiting..."
	}
	if len(displayTask) > 32 {
		displayTask = displayTask[:29] + "..."
	}

	idle, rented := 0, 0
	if d.Pool != nil {
		idle, rented = d.Pool.Stats()
	}

	totalMB := float64(m.Sys) / 1024 / 1024
	memPercent := memMB / totalMB
	barWidth := 20
	filled := clamp(int(memPercent*float64(barWidth)), 0, barWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("▒", barWidth-filled)
	barColor := colorNeonCyan
	if memPercent > 0.7 {
		barColor = colorNeonMag
	}

	return fmt.Sprintf(
		"%s[%s] %s%s %-8s%s | %s%s %-7s%s [%s] %s%s%s [pool %d/%d] [%v] [%s%s %.1fMB%s]",
		colorReset,
		lastHB.Format("15:04:05"),
		pulseColor, pulseIcon, pulseText, colorReset,
		roleColor, icon, role, colorReset,
		displayTask,
		colorPurple, radar, colorReset,
		rented, idle+rented,
		uptime,
		barColor, bar, memMB, colorReset,
	)
}

// Print redraws the status line in place.
func (d *Dashboard) Print() {
	line := "\033[s\033[10;1H\033[K" + d.Line() + "\033[u"
	termMu.Lock()
	fmt.Fprint(d.Out, line)
	termMu.Unlock()
}
