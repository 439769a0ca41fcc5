package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"pharmimport/internal/workstate"
)

// barProgress draws one progress bar per phase on a terminal.
type barProgress struct {
	out io.Writer

	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newBarProgress(out io.Writer) *barProgress {
	return &barProgress{out: out}
}

func (p *barProgress) Start(phase workstate.Phase, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	size := int64(total)
	if total <= 0 {
		// Planning does not know its size up front.
		size = -1
	}
	p.bar = progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetDescription(fmt.Sprintf("%-10s", phase)),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.out) }),
	)
}

func (p *barProgress) Increment(workstate.ItemResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}

func (p *barProgress) Finish(workstate.Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	p.bar = nil
}
