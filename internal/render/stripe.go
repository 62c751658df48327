package render

import (
	"errors"
	"sync"
)

// Stripe sizing. The stripe buffer must fit DMA-capable internal memory;
// on allocation pressure the height is halved down to the floor.
const (
	DefaultStripeRows = 80
	MinStripeRows     = 16
)

// ErrOutOfMemory is returned when even a floor-height stripe does not fit
// the allocation budget.
var ErrOutOfMemory = errors.New("render: stripe buffer allocation failed")

// StripeWrite delivers one converted stripe: panel rows
// [yStart, yStart+rows), BGR888, stride = panel width × 3.
type StripeWrite func(yStart, rows int, buf []byte) error

// StripePipeline tiles a frame into horizontal stripes, converting two at a
// time (ping-pong buffer pair, one worker each).
type StripePipeline struct {
	width int
	rows  int
	bufs  [2][]byte
}

// NewStripePipeline allocates the stripe pair for a panel width. rows 0
// selects the default. budget (bytes per buffer, 0 = unlimited) models the
// DMA memory pool: a too-tall stripe is halved until it fits, not failed.
func NewStripePipeline(width, rows, budget int) (*StripePipeline, error) {
	if rows <= 0 {
		rows = DefaultStripeRows
	}
	for budget > 0 && rows*width*PanelBPP > budget {
		if rows <= MinStripeRows {
			return nil, ErrOutOfMemory
		}
		rows /= 2
		if rows < MinStripeRows {
			rows = MinStripeRows
		}
	}
	p := &StripePipeline{width: width, rows: rows}
	for i := range p.bufs {
		p.bufs[i] = make([]byte, rows*width*PanelBPP)
	}
	return p, nil
}

// Rows returns the effective stripe height.
func (p *StripePipeline) Rows() int { return p.rows }

// Render converts frame f through u stripe by stripe and hands each stripe
// to write. Adjacent stripes convert in parallel on the two buffers; writes
// are delivered in ascending row order.
func (p *StripePipeline) Render(u *Upscaler, f *Frame, height int, write StripeWrite) error {
	if err := u.ensure(f.W, f.H); err != nil {
		return err
	}
	type result struct {
		yStart, rows int
		buf          []byte
		err          error
	}
	for y := 0; y < height; y += 2 * p.rows {
		var wg sync.WaitGroup
		res := make([]result, 0, 2)
		for i := 0; i < 2; i++ {
			yStart := y + i*p.rows
			if yStart >= height {
				break
			}
			rows := p.rows
			if yStart+rows > height {
				rows = height - yStart
			}
			res = append(res, result{yStart: yStart, rows: rows, buf: p.bufs[i]})
		}
		for i := range res {
			wg.Add(1)
			go func(r *result) {
				defer wg.Done()
				r.err = u.ScaleStripe(f, r.yStart, r.rows, r.buf)
			}(&res[i])
		}
		wg.Wait()
		for i := range res {
			if res[i].err != nil {
				return res[i].err
			}
			if err := write(res[i].yStart, res[i].rows, res[i].buf[:res[i].rows*p.width*PanelBPP]); err != nil {
				return err
			}
		}
	}
	return nil
}
