package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"nebulasend/progress"
	"nebulasend/transfer"
)

// progressRenderer draws one terminal bar per active transfer.
type progressRenderer struct {
	out io.Writer

	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func newProgressRenderer(out io.Writer) *progressRenderer {
	return &progressRenderer{
		out:  out,
		bars: make(map[string]*progressbar.ProgressBar),
	}
}

// Update advances the bar for snapshot, creating it on first use.
func (r *progressRenderer) Update(snapshot transfer.Snapshot, stats progress.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bar, ok := r.bars[snapshot.ID]
	if !ok {
		bar = progressbar.NewOptions64(snapshot.SizeBytes,
			progressbar.OptionSetWriter(r.out),
			progressbar.OptionSetDescription(describe(snapshot, stats)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
		r.bars[snapshot.ID] = bar
	}

	bar.Describe(describe(snapshot, stats))
	_ = bar.Set64(stats.BytesDone)
}

// Finish completes and forgets the bar for snapshot.
func (r *progressRenderer) Finish(snapshot transfer.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bar, ok := r.bars[snapshot.ID]
	if !ok {
		return
	}
	delete(r.bars, snapshot.ID)
	_ = bar.Finish()
	fmt.Fprintln(r.out)
}

// Abort stops the bar for snapshot without filling it.
func (r *progressRenderer) Abort(snapshot transfer.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bar, ok := r.bars[snapshot.ID]
	if !ok {
		return
	}
	delete(r.bars, snapshot.ID)
	_ = bar.Exit()
	fmt.Fprintln(r.out)
}

// Active reports how many bars are drawn.
func (r *progressRenderer) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bars)
}

func describe(snapshot transfer.Snapshot, stats progress.Stats) string {
	arrow := "<-"
	if snapshot.Direction == transfer.Outbound {
		arrow = "->"
	}
	eta := "--"
	if stats.Remaining > 0 {
		eta = progress.FormatDuration(stats.Remaining)
	}
	return fmt.Sprintf("%s %s %s ETA %s", arrow, snapshot.FileName, progress.FormatSpeed(stats.SpeedBps), eta)
}
