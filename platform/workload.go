package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/xdma/config"
	"github.com/sarchlab/xdma/xdma"
	"github.com/sarchlab/xdma/xdma/pl330"
	"github.com/sarchlab/xdma/xdma/softdma"
)

// ErrMismatch is reported when the data that arrived differs from what was
// sent.
var ErrMismatch = errors.New("data mismatch")

// A Report is the outcome of a workload on one unit.
type Report struct {
	Controller string
	Engine     string
	Transfers  int
	Failed     int
	Bytes      uint64
	Elapsed    time.Duration

	// Position is where a streaming unit stopped writing.
	Position xdma.StreamPosition
}

// Throughput returns bytes per second.
func (r Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}

	return float64(r.Bytes) / r.Elapsed.Seconds()
}

type tally struct {
	mu sync.Mutex
	Report
}

func (t *tally) add(st xdma.Status, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Transfers++
	t.Bytes += st.Transferred

	if st.Failed() || err != nil {
		t.Failed++
	}
}

// A Workload issues the same series of transfers on every unit of a
// platform.
type Workload struct {
	cfg        config.WorkloadConfig
	log        *logrus.Logger
	onProgress func(u *Unit, done int)
}

// NewWorkload creates a workload.
func NewWorkload(cfg config.WorkloadConfig) *Workload {
	return &Workload{
		cfg: cfg,
		log: logrus.StandardLogger(),
	}
}

// WithLogger sets the logger.
func (w *Workload) WithLogger(log *logrus.Logger) *Workload {
	w.log = log
	return w
}

// OnProgress sets a function called every time a unit retires a transfer.
func (w *Workload) OnProgress(fn func(u *Unit, done int)) *Workload {
	w.onProgress = fn
	return w
}

// Total returns the number of transfers the workload issues on u.
func (w *Workload) Total(u *Unit) int {
	if u.Engine() == config.EnginePL330 {
		return w.cfg.Transfers * u.Config.Channels
	}

	return w.cfg.Transfers
}

// Run drives every unit concurrently and returns one report per unit. The
// first unit that fails cancels the others.
func (w *Workload) Run(ctx context.Context, p *Platform) ([]Report, error) {
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	units := p.Units()
	reports := make([]Report, len(units))
	g, ctx := errgroup.WithContext(ctx)

	for i, u := range units {
		g.Go(func() error {
			t := &tally{Report: Report{
				Controller: u.Name(),
				Engine:     u.Engine(),
			}}

			start := time.Now()
			err := w.runUnit(ctx, p, u, t)
			t.Elapsed = time.Since(start)
			reports[i] = t.Report

			if err != nil {
				return fmt.Errorf("%s: %w", u.Name(), err)
			}

			return nil
		})
	}

	err := g.Wait()

	return reports, err
}

func (w *Workload) runUnit(
	ctx context.Context,
	p *Platform,
	u *Unit,
	t *tally,
) error {
	switch u.Engine() {
	case config.EnginePL330:
		return w.runPL330(ctx, p, u, t)
	case config.EngineSoftDMA:
		if u.FIFO().Mode() == softdma.Transmit {
			return w.runTransmit(ctx, p, u, t)
		}

		return w.runReceive(ctx, p, u, t)
	case config.EngineTMC:
		return w.runTrace(ctx, p, u, t)
	}

	return fmt.Errorf("unknown engine %q", u.Engine())
}

func (w *Workload) progress(u *Unit, t *tally) {
	if w.onProgress == nil {
		return
	}

	t.mu.Lock()
	done := t.Transfers
	t.mu.Unlock()

	w.onProgress(u, done)
}

// payload is the content of the seq-th transfer of a lane.
func payload(lane, seq int, n uint64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(lane*13 + seq*31 + i*7)
	}

	return b
}

func (w *Workload) alloc(u *Unit) (*xdma.Channel, error) {
	var meta any

	if len(u.Config.Metadata) > 0 {
		var err error

		meta, err = u.Controller.ParseMetadata(u.Config.Metadata)
		if err != nil {
			return nil, err
		}
	}

	return u.Controller.AllocChannel(meta)
}

// A lane runs transfers through one scatter-gather channel, one queue depth
// at a time.
type lane struct {
	ch *xdma.Channel

	// issue enqueues the seq-th transfer into queue slot k.
	issue func(k, seq int) error

	// kick runs after a batch is submitted.
	kick func(k, seq int)

	// check verifies a retired transfer.
	check func(ctx context.Context, k, seq int, st xdma.Status) error
}

func (w *Workload) drive(ctx context.Context, u *Unit, l lane, t *tally) error {
	depth := w.cfg.Depth

	for seq := 0; seq < w.cfg.Transfers; seq += depth {
		n := min(depth, w.cfg.Transfers-seq)

		for k := 0; k < n; k++ {
			if err := l.issue(k, seq+k); err != nil {
				return err
			}
		}

		if err := l.ch.Submit(); err != nil {
			return err
		}

		if l.kick != nil {
			for k := 0; k < n; k++ {
				l.kick(k, seq+k)
			}
		}

		if err := l.ch.WaitUntilDone(ctx); err != nil {
			return err
		}

		for k := 0; k < n; k++ {
			_, st, err := l.ch.Dequeue()
			if err != nil {
				return err
			}

			var checkErr error
			if !st.Failed() {
				checkErr = l.check(ctx, k, seq+k, st)
			}

			if st.Failed() || checkErr != nil {
				w.log.WithFields(logrus.Fields{
					"channel": l.ch.Name(),
					"seq":     seq + k,
				}).WithError(errors.Join(st.Err, checkErr)).
					Warn("transfer failed")
			}

			t.add(st, checkErr)
			w.progress(u, t)
		}
	}

	return nil
}

func (w *Workload) runPL330(
	ctx context.Context,
	p *Platform,
	u *Unit,
	t *tally,
) error {
	chans := make([]*xdma.Channel, u.Config.Channels)
	for i := range chans {
		ch, err := w.alloc(u)
		if err != nil {
			return err
		}

		chans[i] = ch
	}

	g, ctx := errgroup.WithContext(ctx)

	for i, ch := range chans {
		g.Go(func() error {
			return w.copyLane(ctx, p, u, ch, i, t)
		})
	}

	return g.Wait()
}

func (w *Workload) copyLane(
	ctx context.Context,
	p *Platform,
	u *Unit,
	ch *xdma.Channel,
	idx int,
	t *tally,
) error {
	size := w.cfg.Size
	span := size * uint64(w.cfg.Depth)

	src, err := p.AllocRegion(ch.Name()+".src", span)
	if err != nil {
		return err
	}

	dst, err := p.AllocRegion(ch.Name()+".dst", span)
	if err != nil {
		return err
	}

	maxSegs := int(size/pl330.IdleCapacity) + 1
	if err := ch.PrepScatterGather(w.cfg.Depth, 0, maxSegs); err != nil {
		return err
	}

	mem := p.Memory()
	l := lane{
		ch: ch,
		issue: func(k, seq int) error {
			off := uint64(k) * size
			if err := mem.Write(src.PAddr+off,
				payload(idx, seq, size)); err != nil {
				return err
			}

			buf := src.Slice(fmt.Sprintf("%s#%d", ch.Name(), seq), off, size)

			return ch.Enqueue(buf.Buffer, dst.PAddr+off, xdma.MemToMem)
		},
		check: func(_ context.Context, k, seq int, _ xdma.Status) error {
			got, err := mem.Read(dst.PAddr+uint64(k)*size, size)
			if err != nil {
				return err
			}

			if !bytes.Equal(got, payload(idx, seq, size)) {
				return fmt.Errorf("%w: copy %d", ErrMismatch, seq)
			}

			return nil
		},
	}

	if err := w.drive(ctx, u, l, t); err != nil {
		return err
	}

	return u.Controller.FreeChannel(ch)
}

func (w *Workload) runTransmit(
	ctx context.Context,
	p *Platform,
	u *Unit,
	t *tally,
) error {
	ch, err := w.alloc(u)
	if err != nil {
		return err
	}

	size := w.cfg.Size

	src, err := p.AllocRegion(ch.Name()+".tx", size*uint64(w.cfg.Depth))
	if err != nil {
		return err
	}

	if err := ch.PrepScatterGather(w.cfg.Depth, 0, 1); err != nil {
		return err
	}

	sent := make(chan []byte, w.cfg.Depth)
	u.FIFO().SetSink(func(packet []byte) {
		select {
		case sent <- packet:
		case <-ctx.Done():
		}
	})
	defer u.FIFO().SetSink(nil)

	mem := p.Memory()
	l := lane{
		ch: ch,
		issue: func(k, seq int) error {
			off := uint64(k) * size
			if err := mem.Write(src.PAddr+off, payload(0, seq, size)); err != nil {
				return err
			}

			buf := src.Slice(fmt.Sprintf("%s#%d", ch.Name(), seq), off, size)

			return ch.Enqueue(buf.Buffer, 0, xdma.MemToDev)
		},
		check: func(ctx context.Context, _, seq int, _ xdma.Status) error {
			select {
			case packet := <-sent:
				if !bytes.Equal(packet, payload(0, seq, size)) {
					return fmt.Errorf("%w: packet %d", ErrMismatch, seq)
				}

				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	if err := w.drive(ctx, u, l, t); err != nil {
		return err
	}

	return u.Controller.FreeChannel(ch)
}

func (w *Workload) runReceive(
	ctx context.Context,
	p *Platform,
	u *Unit,
	t *tally,
) error {
	ch, err := w.alloc(u)
	if err != nil {
		return err
	}

	size := w.cfg.Size

	dst, err := p.AllocRegion(ch.Name()+".rx", size*uint64(w.cfg.Depth))
	if err != nil {
		return err
	}

	if err := ch.PrepScatterGather(w.cfg.Depth, 0, 1); err != nil {
		return err
	}

	mem := p.Memory()
	l := lane{
		ch: ch,
		issue: func(k, seq int) error {
			buf := dst.Slice(fmt.Sprintf("%s#%d", ch.Name(), seq),
				uint64(k)*size, size)

			return ch.Enqueue(buf.Buffer, 0, xdma.DevToMem)
		},
		kick: func(_, seq int) {
			u.FIFO().Inject(payload(0, seq, size))
		},
		check: func(_ context.Context, k, seq int, st xdma.Status) error {
			if st.Transferred != size {
				return fmt.Errorf("%w: packet %d is %d bytes",
					ErrMismatch, seq, st.Transferred)
			}

			got, err := mem.Read(dst.PAddr+uint64(k)*size, size)
			if err != nil {
				return err
			}

			if !bytes.Equal(got, payload(0, seq, size)) {
				return fmt.Errorf("%w: packet %d", ErrMismatch, seq)
			}

			return nil
		},
	}

	if err := w.drive(ctx, u, l, t); err != nil {
		return err
	}

	return u.Controller.FreeChannel(ch)
}

// traceBlocks is the number of periods a trace buffer is split into.
const traceBlocks = 4

func (w *Workload) runTrace(
	ctx context.Context,
	p *Platform,
	u *Unit,
	t *tally,
) error {
	ch, err := w.alloc(u)
	if err != nil {
		return err
	}

	bufSize := u.Config.BufferSize

	buf, err := p.AllocRegion(ch.Name()+".etr", bufSize)
	if err != nil {
		return err
	}

	err = ch.PrepFIFO(xdma.Config{
		Direction: xdma.DevToMem,
		DstAddr:   buf.PAddr,
		BlockLen:  bufSize / traceBlocks,
		BlockNum:  traceBlocks,
	})
	if err != nil {
		return err
	}

	if err := ch.Begin(); err != nil {
		return err
	}

	source := u.TraceSource()

	for seq := 0; seq < w.cfg.Transfers; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		data := payload(0, seq, w.cfg.Size)
		n, err := source.Emit(data)
		if err != nil {
			return err
		}

		var st xdma.Status
		st.Transferred = uint64(n)
		if n < len(data) {
			st.Err = fmt.Errorf("%w: captured %d of %d bytes",
				ErrMismatch, n, len(data))
		}

		t.add(st, nil)
		w.progress(u, t)
	}

	pos, err := ch.StreamPosition()
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.Position = pos
	t.mu.Unlock()

	if err := ch.Terminate(); err != nil {
		return err
	}

	return u.Controller.FreeChannel(ch)
}
