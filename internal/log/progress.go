package log

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Progress tracks a long-running operation over a known total, such as bytes of a replay file.
// It redraws a bar on a terminal and otherwise logs at most once per interval.
type Progress struct {
	mu         sync.Mutex
	name       string
	total      int64
	current    int64
	startTime  time.Time
	lastReport time.Time
	interval   time.Duration
	out        io.Writer // nil when not a terminal
	logger     zerolog.Logger
}

// NewProgress creates a progress tracker. The bar is drawn on out only when it is a terminal.
func NewProgress(name string, total int64, out io.Writer, logger zerolog.Logger) *Progress {
	p := &Progress{
		name:      name,
		total:     total,
		startTime: time.Now(),
		interval:  5 * time.Second,
		logger:    logger,
	}
	if out != nil && IsTerminal(out) {
		p.out = out
		p.interval = 100 * time.Millisecond
	}
	return p
}

// Add advances progress by n
func (p *Progress) Add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current += n
	now := time.Now()
	if now.Sub(p.lastReport) < p.interval {
		return
	}
	p.lastReport = now
	p.report()
}

// Current returns the progress so far
func (p *Progress) Current() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Finish reports completion with a summary message
func (p *Progress) Finish(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	duration := time.Since(p.startTime).Round(time.Millisecond)
	if p.out != nil {
		fmt.Fprintf(p.out, "\r\033[K%s: %s (%v)\n", p.name, message, duration)
	}
	p.logger.Info().Str("operation", p.name).Dur("elapsed", duration).Msg(message)
}

// Fail reports failure
func (p *Progress) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	duration := time.Since(p.startTime).Round(time.Millisecond)
	if p.out != nil {
		fmt.Fprintf(p.out, "\r\033[K%s failed: %v (%v)\n", p.name, err, duration)
	}
	p.logger.Error().Err(err).Str("operation", p.name).Dur("elapsed", duration).Msg("Operation failed")
}

func (p *Progress) report() {
	if p.out != nil {
		fmt.Fprint(p.out, "\r\033[K"+p.line())
		return
	}
	p.logger.Info().
		Str("operation", p.name).
		Int64("current", p.current).
		Int64("total", p.total).
		Str("eta", p.eta().String()).
		Msg("Progress")
}

func (p *Progress) line() string {
	var b strings.Builder
	b.WriteString(p.name)
	if p.total > 0 {
		b.WriteString(" ")
		b.WriteString(Bar(p.current, p.total, 20))
		if eta := p.eta(); eta > 0 {
			fmt.Fprintf(&b, " ETA: %v", eta)
		}
	} else {
		fmt.Fprintf(&b, " (%d)", p.current)
	}
	return b.String()
}

// eta extrapolates the remaining time from the average rate so far
func (p *Progress) eta() time.Duration {
	if p.total <= 0 || p.current <= 0 || p.current >= p.total {
		return 0
	}
	elapsed := time.Since(p.startTime)
	rate := float64(p.current) / elapsed.Seconds()
	eta := time.Duration(float64(p.total-p.current)/rate) * time.Second
	if eta > time.Hour {
		return eta.Round(time.Minute)
	}
	return eta.Round(time.Second)
}

// Bar renders a fixed-width progress bar with counts and percentage
func Bar(current, total int64, width int) string {
	if total <= 0 || width <= 0 {
		return ""
	}
	if current > total {
		current = total
	}
	filled := int(int64(width) * current / total)

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.Repeat("█", filled))
	b.WriteString(strings.Repeat("░", width-filled))
	fmt.Fprintf(&b, "] %d/%d (%.1f%%)", current, total, float64(current)/float64(total)*100)
	return b.String()
}
