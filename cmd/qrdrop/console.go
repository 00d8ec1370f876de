package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/harrylevesque/qrdrop/internal/collector"
	"github.com/harrylevesque/qrdrop/internal/transmit"
)

// console prints transfer events for a person watching the terminal.
type console struct {
	collector.BaseReporter

	mu   sync.Mutex
	w    io.Writer
	good *color.Color
	bad  *color.Color
	warn *color.Color
	dim  *color.Color
}

func newConsole(w io.Writer) *console {
	return &console{
		w:    w,
		good: color.New(color.FgGreen),
		bad:  color.New(color.FgRed),
		warn: color.New(color.FgYellow),
		dim:  color.New(color.FgHiBlack),
	}
}

func bar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	return strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
}

func (c *console) OnShard(p collector.Progress, shard int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hint := ""
	if p.ThresholdReached {
		hint = c.dim.Sprint(" (threshold reached)")
	}
	fmt.Fprintf(c.w, "[%s] %5.1f%% %s shard %d, %d/%d%s\n",
		bar(p.Percent, 30), p.Percent, p.FileName, shard, p.Shards, p.K, hint)
}

func (c *console) OnComplete(d collector.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.good.Fprintf(c.w, "Received %s (%d bytes) -> %s\n", d.FileName, d.Size, d.Location)
	c.dim.Fprintf(c.w, "  blake2b-256 %s\n", d.Digest)
}

func (c *console) OnFailure(p collector.Progress, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bad.Fprintf(c.w, "Could not deliver %s: %v\n", p.FileName, err)
}

func (c *console) OnStall(p collector.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warn.Fprintf(c.w, "%s stalled at %d/%d shards, missing %s\n",
		p.FileName, p.Shards, p.K, formatMissing(p.Missing))
}

func (c *console) OnRender(r transmit.RenderResult) {
	if r.Err != nil || r.Index != r.Total-1 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dim.Fprintf(c.w, "cycle %d done (%d frames)\n", r.Cycle+1, r.Total)
}

func formatMissing(missing []int) string {
	const max = 12
	parts := make([]string, 0, max+1)
	for i, idx := range missing {
		if i == max {
			parts = append(parts, fmt.Sprintf("... %d more", len(missing)-max))
			break
		}
		parts = append(parts, fmt.Sprint(idx))
	}
	return strings.Join(parts, ",")
}
