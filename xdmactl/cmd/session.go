package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xdma/config"
	"github.com/sarchlab/xdma/monitoring"
	"github.com/sarchlab/xdma/platform"
	"github.com/sarchlab/xdma/tracing"
)

type traceFile interface {
	tracing.TraceWriter
	Path() string
	Close() error
}

// A session holds what observes a platform while a workload runs.
type session struct {
	log *logrus.Logger
	reg *prometheus.Registry

	writer     traceFile
	db         *tracing.DBTracer
	avg        *tracing.AverageTimeTracer
	busy       *tracing.BusyTimeTracer
	steps      *tracing.StepCountTracer
	clock      tracing.WallClock
	monitor    *monitoring.Monitor
	monitorURL string

	mu   sync.Mutex
	bars map[string]*monitoring.ProgressBar
	done map[string]int
}

func newSession(log *logrus.Logger) *session {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &session{
		log:  log,
		reg:  reg,
		bars: make(map[string]*monitoring.ProgressBar),
		done: make(map[string]int),
	}
}

// startTracing attaches the statistics tracers, and the trace file when
// enabled, to every controller. It must run before channels are allocated.
func (s *session) startTracing(cfg config.TraceConfig, p *platform.Platform) error {
	s.avg = tracing.NewAverageTimeTracer(s.clock,
		tracing.KindFilter(tracing.KindTransfer))
	s.busy = tracing.NewBusyTimeTracer(s.clock,
		tracing.KindFilter(tracing.KindTransfer))
	s.steps = tracing.NewStepCountTracer(
		tracing.KindFilter(tracing.KindRequest))

	tracers := []tracing.Tracer{s.avg, s.busy, s.steps}

	if cfg.Enabled {
		switch cfg.Format {
		case config.TraceSQLite:
			s.writer = tracing.NewSQLiteTraceWriter(cfg.Path)
		default:
			s.writer = tracing.NewCSVTraceWriter(cfg.Path)
		}

		err := s.writer.Init()
		if err != nil {
			return err
		}

		s.db = tracing.NewDBTracer(s.clock, s.writer)
		tracers = append(tracers, s.db)

		s.log.WithField("path", s.writer.Path()).Info("tracing transfers")
	}

	multi := tracing.NewMultiTracer(tracers...)
	for _, c := range p.Controllers() {
		tracing.CollectTrace(c, multi)

		if s.log.IsLevelEnabled(logrus.TraceLevel) {
			c.AcceptHook(tracing.NewRequestLogger(s.log, logrus.TraceLevel))
		}
	}

	return nil
}

func (s *session) startMonitor(
	cfg config.MonitorConfig,
	p *platform.Platform,
	w *platform.Workload,
) error {
	if !cfg.Enabled {
		return nil
	}

	s.monitor = monitoring.NewMonitor().
		WithLogger(s.log).
		WithGatherer(s.reg).
		WithPortNumber(cfg.Port).
		WithBrowser(cfg.OpenBrowser)

	for _, u := range p.Units() {
		s.monitor.RegisterController(u.Controller)
		s.bars[u.Name()] = s.monitor.CreateProgressBar(u.Name(),
			uint64(w.Total(u)))
	}

	url, err := s.monitor.StartServer()
	if err != nil {
		return err
	}

	s.monitorURL = url

	return nil
}

// progress moves a unit's bar forward. Lanes of one unit report
// concurrently, so counts can arrive out of order.
func (s *session) progress(u *platform.Unit, done int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.done[u.Name()]
	if done <= last {
		return
	}

	s.done[u.Name()] = done

	if bar, ok := s.bars[u.Name()]; ok {
		bar.IncrementFinished(uint64(done - last))
	}
}

// finish flushes the trace file and tears the monitor down. With keep set
// the monitor stays up until ctx ends.
func (s *session) finish(ctx context.Context, keep bool) error {
	var errs []error

	if s.busy != nil {
		s.busy.TerminateAllTasks(s.clock.CurrentTime())
	}

	if s.db != nil {
		errs = append(errs, s.db.Terminate(), s.writer.Close())
	}

	if s.monitor != nil {
		if keep {
			s.log.WithField("url", s.monitorURL).
				Info("workload done, press Ctrl+C to stop the monitor")
			<-ctx.Done()
		}

		for _, bar := range s.bars {
			s.monitor.CompleteProgressBar(bar)
		}

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second)
		defer cancel()

		errs = append(errs, s.monitor.Shutdown(shutdownCtx))
	}

	return errors.Join(errs...)
}

func (s *session) summary() string {
	if s.avg == nil || s.avg.TotalCount() == 0 {
		return "no transfers traced"
	}

	text := fmt.Sprintf("%d transfers, average %s, busy %s",
		s.avg.TotalCount(), s.avg.AverageTime(), s.busy.BusyTime())

	for _, name := range s.steps.GetStepNames() {
		text += fmt.Sprintf(", %s %d", name, s.steps.GetStepCount(name))
	}

	if s.writer != nil {
		text += fmt.Sprintf(", %d tasks written to %s",
			s.db.Written(), s.writer.Path())
	}

	return text
}
