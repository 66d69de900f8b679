// Package metrics implements the metrics & rate accounting component
// (C6): Prometheus counters/gauges for ingested events, emitted HB
// edges and detected races, plus a ratecounter-based ingestion rate
// gauge, exposed over HTTP when configured.
//
// pkg/flow.tracer_map.go references a concrete sibling metrics package,
// "github.com/netobserv/netobserv-ebpf-agent/pkg/metrics", whose
// source wasn't available to adapt from, so this is written directly
// against prometheus/client_golang's promauto registration idiom used
// throughout that file.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var mlog = logrus.WithField("component", "metrics.Metrics")

// Metrics holds every counter/gauge this agent reports.
type Metrics struct {
	reg *prometheus.Registry

	eventsIngested  prometheus.Counter
	hbEdges         prometheus.Counter
	racesHarmful    prometheus.Counter
	racesCommute    prometheus.Counter
	racesFiltered   prometheus.Counter
	ingestRateGauge prometheus.GaugeFunc

	ingestRate *ratecounter.RateCounter
}

// New registers every metric against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	rc := ratecounter.NewRateCounter(time.Second)

	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		eventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "hbrace_events_ingested_total",
			Help: "HB events consumed from the simulator event stream.",
		}),
		hbEdges: factory.NewCounter(prometheus.CounterOpts{
			Name: "hbrace_hb_edges_total",
			Help: "Happens-before edges inserted into the HB Graph.",
		}),
		racesHarmful: factory.NewCounter(prometheus.CounterOpts{
			Name: "hbrace_races_harmful_total",
			Help: "Candidate pairs classified as harmful (non-commuting) races.",
		}),
		racesCommute: factory.NewCounter(prometheus.CounterOpts{
			Name: "hbrace_races_commute_total",
			Help: "Candidate pairs classified as commuting races.",
		}),
		racesFiltered: factory.NewCounter(prometheus.CounterOpts{
			Name: "hbrace_races_filtered_total",
			Help: "R/W candidate pairs suppressed by the common-ancestor filter.",
		}),
		ingestRateGauge: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hbrace_ingest_rate",
			Help: "Events ingested per second over a rolling 1s window.",
		}, func() float64 { return float64(rc.Rate()) }),
		ingestRate: rc,
	}
}

// EventIngested records one event read off the simulator channel.
func (m *Metrics) EventIngested() {
	m.eventsIngested.Inc()
	m.ingestRate.Incr(1)
}

// AddHBEdges records n edges inserted into the HB Graph since the
// last call.
func (m *Metrics) AddHBEdges(n int) {
	if n > 0 {
		m.hbEdges.Add(float64(n))
	}
}

// RacesDetected folds one race.Report's counts into the harmful/
// commute/filtered counters.
func (m *Metrics) RacesDetected(harmful, commute, filtered int) {
	m.racesHarmful.Add(float64(harmful))
	m.racesCommute.Add(float64(commute))
	m.racesFiltered.Add(float64(filtered))
}

// Serve runs the metrics HTTP server until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		mlog.WithField("port", port).Info("starting metrics server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics: server: %w", err)
	}
}
