package progress

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gridvid/internal/model"
)

const dashboardEventLimit = 8

type dashboardRow struct {
	email string
	item  string
	since time.Time
}

// Dashboard renders a live multi-account view to a terminal using ANSI redraws.
type Dashboard struct {
	mu sync.Mutex

	out     io.Writer
	active  map[string]*dashboardRow
	events  []string
	counts  model.Counts
	started time.Time
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewDashboard(out io.Writer) *Dashboard {
	if out == nil {
		out = os.Stdout
	}
	return &Dashboard{
		out:     out,
		active:  make(map[string]*dashboardRow),
		events:  make([]string, 0, dashboardEventLimit),
		started: time.Now(),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

func (d *Dashboard) Start() {
	go func() {
		t := time.NewTicker(700 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-t.C:
				d.render()
			}
		}
	}()
}

func (d *Dashboard) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		d.render()
	})
}

func (d *Dashboard) OnProgress(c model.Counts) {
	d.mu.Lock()
	d.counts = c
	d.mu.Unlock()
}

func (d *Dashboard) OnLog(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch e.Kind {
	case KindAccountStarted:
		d.active[e.AccountID] = &dashboardRow{email: e.Email, item: "acquiring session", since: d.now()}
		return
	case KindItemStarted:
		row, ok := d.active[e.AccountID]
		if !ok {
			row = &dashboardRow{email: e.Email}
			d.active[e.AccountID] = row
		}
		row.item = e.Message
		row.since = d.now()
		return
	case KindAccountSettled:
		delete(d.active, e.AccountID)
	}
	if strings.TrimSpace(e.Message) == "" {
		return
	}
	d.events = append([]string{e.Message}, d.events...)
	if len(d.events) > dashboardEventLimit {
		d.events = d.events[:dashboardEventLimit]
	}
}

func (d *Dashboard) render() {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprint(d.out, d.frame())
}

func (d *Dashboard) frame() string {
	ids := make([]string, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return d.active[ids[i]].email < d.active[ids[j]].email
	})

	c := d.counts
	etaPart := ""
	if eta := estimateETA(c.Pending+c.Running, c.Succeeded+c.Failed, d.now().Sub(d.started)); eta != "" {
		etaPart = " | eta ~ " + eta
	}

	var b strings.Builder
	b.WriteString("\033[H\033[2J")
	b.WriteString(fmt.Sprintf("gridvid live | active %d/%d | done %d/%d | pending %d | failed %d | exhausted %d%s\n",
		len(ids), c.Bound, c.Succeeded, c.Total, c.Pending, c.Failed, c.AccountsExhausted, etaPart))
	b.WriteString(strings.Repeat("-", 100) + "\n")

	if len(ids) == 0 {
		b.WriteString("(no active accounts)\n")
	} else {
		now := d.now()
		for _, id := range ids {
			row := d.active[id]
			b.WriteString(fmt.Sprintf("%-32s %s (%s)\n", truncateText(row.email, 32), row.item, now.Sub(row.since).Round(time.Second)))
		}
	}

	if len(d.events) > 0 {
		b.WriteString(strings.Repeat("-", 100) + "\n")
		for _, e := range d.events {
			b.WriteString(e + "\n")
		}
	}
	return b.String()
}

// estimateETA projects the remaining time from the average time per finished item.
func estimateETA(remaining, finished int, elapsed time.Duration) string {
	if remaining <= 0 || finished <= 0 || elapsed <= 0 {
		return ""
	}
	perItem := elapsed.Seconds() / float64(finished)
	return formatETASeconds(perItem * float64(remaining))
}

func formatETASeconds(seconds float64) string {
	if seconds <= 0 {
		return ""
	}
	secs := int64(math.Round(seconds))
	if secs < 60 {
		return "<1m"
	}
	minutes := secs / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	remMinutes := minutes % 60
	if hours < 24 {
		if remMinutes == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh %dm", hours, remMinutes)
	}
	days := hours / 24
	remHours := hours % 24
	if remHours == 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dd %dh", days, remHours)
}

func truncateText(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
