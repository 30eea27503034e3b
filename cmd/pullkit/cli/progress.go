package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/meigma/pullkit"
)

// renderInterval throttles redraws of the progress line.
const renderInterval = 100 * time.Millisecond

// progressMode returns the configured progress mode: "auto", "tty", or "plain".
func progressMode(mode string) string {
	switch mode {
	case "auto", "tty", "plain":
		return mode
	default:
		return "auto"
	}
}

// shouldShowProgress returns true if progress bars should be displayed.
func shouldShowProgress(mode string) bool {
	switch progressMode(mode) {
	case "plain":
		return false
	case "tty":
		return true
	default:
		return term.IsTerminal(int(os.Stderr.Fd()))
	}
}

// progressBar renders one line of aggregate progress for several blobs.
// It is safe for concurrent use by the callbacks it hands out.
type progressBar struct {
	mu       sync.Mutex
	out      io.Writer
	bar      progress.Model
	label    string
	total    int64
	current  map[string]int64
	lastDraw time.Time
	now      func() time.Time
}

// newProgressBar creates a bar for total bytes; total may be 0 when unknown.
func newProgressBar(out io.Writer, label string, total int64) *progressBar {
	return &progressBar{
		out:     out,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		label:   label,
		total:   total,
		current: make(map[string]int64),
		now:     time.Now,
	}
}

// Callback returns a progress callback for the blob identified by key.
func (p *progressBar) Callback(key string) pullkit.ProgressCallback {
	return func(event pullkit.ProgressEvent) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.current[key] = event.BytesTransferred
		if p.total == 0 && event.TotalBytes > 0 && len(p.current) == 1 {
			p.total = event.TotalBytes
		}
		if now := p.now(); now.Sub(p.lastDraw) >= renderInterval {
			p.lastDraw = now
			p.draw()
		}
	}
}

// Finish draws the final state and ends the line.
func (p *progressBar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.draw()
	fmt.Fprintln(p.out)
}

// transferred sums bytes across blobs. Callers hold mu.
func (p *progressBar) transferred() int64 {
	var sum int64
	for _, n := range p.current {
		sum += n
	}
	return sum
}

func (p *progressBar) draw() {
	done := p.transferred()
	var pct float64
	if p.total > 0 {
		pct = min(float64(done)/float64(p.total), 1)
	}
	//nolint:gosec // G115: byte counts are never negative
	fmt.Fprintf(p.out, "\r%s %s %s / %s", p.label, p.bar.ViewAs(pct),
		humanize.IBytes(uint64(done)), humanize.IBytes(uint64(max(p.total, 0))))
}
