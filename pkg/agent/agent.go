// Package agent implements the Agent/orchestrator (C0): it wires the
// Object Registry, HB Logger, Controller Adapter, HB Graph and Race
// Detector together, the way pkg/agent.Flows wires netobserv's
// interface informer, accounter and exporter -- a Config (env-tag
// driven), a constructor that validates it and builds the pipeline,
// and a Run method that drives it until its context is canceled.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/netobserv/gopipes/pkg/node"
	"github.com/nsg-ethz/hbrace/pkg/ctladapter"
	"github.com/nsg-ethz/hbrace/pkg/hbevent"
	"github.com/nsg-ethz/hbrace/pkg/hbgraph"
	"github.com/nsg-ethz/hbrace/pkg/hblogger"
	"github.com/nsg-ethz/hbrace/pkg/metrics"
	"github.com/nsg-ethz/hbrace/pkg/race"
	"github.com/nsg-ethz/hbrace/pkg/report"
	"github.com/nsg-ethz/hbrace/pkg/trace"
	"github.com/sirupsen/logrus"
)

var alog = logrus.WithField("component", "agent.Agent")

// Agent drives one detection run: simulator events in, HB Graph
// assembled, race report out.
type Agent struct {
	cfg *Config

	graph   *hbgraph.Graph
	logger  *hblogger.Logger
	adapter *ctladapter.Adapter
	traceW  *trace.Writer
	metrics *metrics.Metrics

	events chan hblogger.SimEvent
}

// New validates cfg and builds an Agent's dependency graph. It does
// not start any goroutine; call Run for that.
func New(cfg *Config) (*Agent, error) {
	alog.Info("initializing agent")
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	} else {
		alog.WithField("level", cfg.LogLevel).Warn("unrecognized log level; keeping default")
	}
	if cfg.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := os.MkdirAll(cfg.ResultsDir, 0o755); err != nil {
		return nil, fmt.Errorf("agent: creating results dir: %w", err)
	}
	traceW, err := trace.NewWriter(filepath.Join(cfg.ResultsDir, cfg.OutputFilename))
	if err != nil {
		return nil, err
	}

	graph := hbgraph.New()
	logger := hblogger.New(graph, traceW)
	adapter := ctladapter.NewWithTokens(logger, cfg.ControllerHBMsgInToken, cfg.ControllerHBMsgOutToken)
	logger.SetControllerMatcher(adapter)

	var m *metrics.Metrics
	if cfg.MetricsEnable {
		m = metrics.New()
	}

	return &Agent{
		cfg:     cfg,
		graph:   graph,
		logger:  logger,
		adapter: adapter,
		traceW:  traceW,
		metrics: m,
		events:  make(chan hblogger.SimEvent, cfg.BuffersLength),
	}, nil
}

// Events returns the channel simulator event producers send SimEvents
// on. Unused in replay mode (cfg.ReplayTrace set).
func (a *Agent) Events() chan<- hblogger.SimEvent { return a.events }

// Graph exposes the HB Graph being assembled, for tests and
// incremental-detection callers.
func (a *Agent) Graph() *hbgraph.Graph { return a.graph }

// WatchControllerOutput reads r (a controller subprocess's stdout
// pipe in production; spawning that subprocess is out of scope here)
// line by line, dispatching HB edges through the Controller Adapter,
// until r is exhausted or ctx is canceled. Callers that have no
// controller instrumentation stream simply never call this.
func (a *Agent) WatchControllerOutput(ctx context.Context, r io.Reader) error {
	done := make(chan error, 1)
	go func() { done <- a.adapter.Run(bufio.NewScanner(r)) }()
	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}

// Run drives the agent until ctx is canceled: it consumes SimEvents
// (or, if cfg.ReplayTrace is set, replays an existing trace file
// instead), optionally serves metrics, and on cancellation runs one
// final detection pass and emits the race report (§5 cancellation
// flush).
func (a *Agent) Run(ctx context.Context) error {
	alog.Info("starting agent")

	if a.metrics != nil {
		go func() {
			if err := a.metrics.Serve(ctx, a.cfg.MetricsPort); err != nil {
				alog.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	var sink *node.Terminal
	if a.cfg.ReplayTrace != "" {
		sink = a.replayGraph(ctx)
	} else {
		sink = a.liveGraph(ctx)
	}

	alog.Info("agent successfully started")
	<-ctx.Done()
	alog.Info("stopping agent; waiting for pending work to drain")
	<-sink.Done()

	if err := a.traceW.Close(); err != nil {
		alog.WithError(err).Warn("closing trace file")
	}

	alog.Info("agent stopped; running final detection pass")
	a.detectAndReport()
	return nil
}

// liveGraph wires the events --> logger --> metrics processing graph
// (§2 C0), the same init/middle/terminal node shape used to chain
// tracer, accounter and exporter stages.
func (a *Agent) liveGraph(ctx context.Context) *node.Terminal {
	collector := node.AsInit(func(out chan<- hblogger.SimEvent) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-a.events:
				if !ok {
					return
				}
				out <- ev
			}
		}
	})
	handle := node.AsMiddle(func(in <-chan hblogger.SimEvent, out chan<- int) {
		for ev := range in {
			before := a.graph.EdgeCount()
			a.logger.Handle(ev)
			out <- a.graph.EdgeCount() - before
		}
	})
	sink := node.AsTerminal(a.reportDeltas)

	collector.SendsTo(handle)
	handle.SendsTo(sink)
	collector.Start()
	return sink
}

// replayGraph tails an already-recorded trace file (§2 C8 replay mode)
// and re-inserts each event directly into the HB Graph as it arrives:
// replayed events are already linked (they carry the tags that
// produced them), so they bypass the Logger's start/finish
// bookkeeping and go straight to Graph.Insert, which re-derives every
// edge from those tags. Tailer.Run reads everything already on disk
// before watching for further appends, so this covers both a
// completed trace and one still being written by a live run.
func (a *Agent) replayGraph(ctx context.Context) *node.Terminal {
	tailer := trace.NewTailer(a.cfg.ReplayTrace)
	collector := node.AsInit(func(out chan<- hbevent.Event) {
		events := make(chan hbevent.Event, a.cfg.BuffersLength)
		go func() {
			// Run owns closing events (it defers close(out) itself).
			if err := tailer.Run(ctx, events); err != nil {
				alog.WithError(err).Error("tailing replay trace")
			}
		}()
		for e := range events {
			out <- e
		}
	})
	insert := node.AsMiddle(func(in <-chan hbevent.Event, out chan<- int) {
		for e := range in {
			before := a.graph.EdgeCount()
			a.graph.Insert(e)
			out <- a.graph.EdgeCount() - before
		}
	})
	sink := node.AsTerminal(a.reportDeltas)

	collector.SendsTo(insert)
	insert.SendsTo(sink)
	collector.Start()
	return sink
}

func (a *Agent) reportDeltas(in <-chan int) {
	for delta := range in {
		if a.metrics != nil {
			a.metrics.EventIngested()
			a.metrics.AddHBEdges(delta)
		}
	}
}

func (a *Agent) detectAndReport() {
	d := race.New(a.graph, a.cfg.FilterRW)
	rep := d.DetectAll()

	if a.metrics != nil {
		a.metrics.RacesDetected(len(rep.RacesHarmful), len(rep.RacesCommute), rep.Filtered)
	}

	report.LogReport(rep)

	if len(a.cfg.ReportKafkaBrokers) > 0 {
		sink := report.NewKafkaSink(a.cfg.ReportKafkaBrokers, a.cfg.ReportKafkaTopic)
		if err := sink.PublishReport(context.Background(), rep); err != nil {
			alog.WithError(err).Error("publishing race report to kafka")
		}
	}
}
