package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_events_total",
			Help: "Total number of events consumed from the source",
		},
		[]string{"kind"},
	)

	malformedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_malformed_events_total",
			Help: "Events dropped because they failed validation",
		},
	)

	duplicateEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_duplicate_events_total",
			Help: "Events dropped by the replay de-duplication guard",
		},
	)

	infractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_infractions_total",
			Help: "Confirmed violations by category",
		},
		[]string{"category"},
	)

	sanctionsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_sanctions_applied_total",
			Help: "Sanctions applied by kind",
		},
		[]string{"kind"},
	)

	sanctionsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_sanctions_expired_total",
			Help: "Sanctions expired by the scheduler",
		},
	)

	enforcementPending = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_enforcement_pending_total",
			Help: "Platform actions demoted to pending after retry exhaustion",
		},
	)

	evaluateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_detector_evaluate_duration_seconds",
			Help:    "Time spent evaluating events in detectors",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"detector"},
	)
)

type Server struct {
	addr string
	srv  *http.Server
}

func Init(ctx context.Context, addr string) *Server {
	_ = ctx
	prometheus.MustRegister(
		eventsTotal,
		malformedEventsTotal,
		duplicateEventsTotal,
		infractionsTotal,
		sanctionsApplied,
		sanctionsExpired,
		enforcementPending,
		evaluateDuration,
	)

	tp := trace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	return &Server{addr: addr}
}

func (s *Server) Start(ctx context.Context) error {
	_ = ctx
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.srv = &http.Server{Addr: s.addr, Handler: mux}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func RecordEvent(kind string)          { eventsTotal.WithLabelValues(kind).Inc() }
func RecordMalformedEvent()            { malformedEventsTotal.Inc() }
func RecordDuplicateEvent()            { duplicateEventsTotal.Inc() }
func RecordInfraction(category string) { infractionsTotal.WithLabelValues(category).Inc() }
func RecordSanctionApplied(kind string) {
	sanctionsApplied.WithLabelValues(kind).Inc()
}
func RecordSanctionExpired()    { sanctionsExpired.Inc() }
func RecordEnforcementPending() { enforcementPending.Inc() }

// StartEvaluation returns a closer observing evaluation latency for one detector.
func StartEvaluation(detector string) func() {
	timer := prometheus.NewTimer(evaluateDuration.WithLabelValues(detector))
	return func() { timer.ObserveDuration() }
}
