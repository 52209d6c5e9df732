package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge

	authAttemptsTotal *prometheus.CounterVec

	commandsTotal *prometheus.CounterVec

	messagesAcceptedTotal  prometheus.Counter
	messagesAcceptedBytes  prometheus.Histogram
	messagesRejectedTotal  *prometheus.CounterVec
	messagesDiscardedTotal prometheus.Counter

	milterInvocationsTotal *prometheus.CounterVec
	sieveOutcomesTotal     *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered against reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailserver_connections_total",
			Help: "Total number of SMTP/LMTP connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailserver_connections_active",
			Help: "Number of currently active SMTP/LMTP connections.",
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailserver_auth_attempts_total",
			Help: "Total number of AUTH attempts.",
		}, []string{"mechanism", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailserver_commands_total",
			Help: "Total number of SMTP commands processed.",
		}, []string{"command"}),

		messagesAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailserver_messages_accepted_total",
			Help: "Total number of messages accepted for queueing.",
		}),
		messagesAcceptedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailserver_messages_accepted_bytes",
			Help:    "Size of accepted messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailserver_messages_rejected_total",
			Help: "Total number of messages rejected, by pipeline stage.",
		}, []string{"stage"}),
		messagesDiscardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailserver_messages_discarded_total",
			Help: "Total number of messages silently discarded by Sieve.",
		}),

		milterInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailserver_milter_invocations_total",
			Help: "Total number of Milter chain invocations, by peer and resulting action.",
		}, []string{"peer", "action"}),
		sieveOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailserver_sieve_outcomes_total",
			Help: "Total number of Sieve evaluations, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.messagesAcceptedTotal,
		c.messagesAcceptedBytes,
		c.messagesRejectedTotal,
		c.messagesDiscardedTotal,
		c.milterInvocationsTotal,
		c.sieveOutcomesTotal,
	)

	return c
}

func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

func (c *PrometheusCollector) AuthAttempt(mechanism string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(mechanism, result).Inc()
}

func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

func (c *PrometheusCollector) MessageAccepted(sizeBytes int64) {
	c.messagesAcceptedTotal.Inc()
	c.messagesAcceptedBytes.Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessageRejected(stage string) {
	c.messagesRejectedTotal.WithLabelValues(stage).Inc()
}

func (c *PrometheusCollector) MessageDiscarded() {
	c.messagesDiscardedTotal.Inc()
}

func (c *PrometheusCollector) MilterInvoked(peer string, action string) {
	c.milterInvocationsTotal.WithLabelValues(peer, action).Inc()
}

func (c *PrometheusCollector) SieveOutcome(outcome string) {
	c.sieveOutcomesTotal.WithLabelValues(outcome).Inc()
}

var _ Collector = (*PrometheusCollector)(nil)

// PrometheusServer serves the default Prometheus registry's metrics over
// HTTP at path, implementing the Server interface.
type PrometheusServer struct {
	addr string
	path string
	srv  *http.Server
}

// NewPrometheusServer builds a PrometheusServer listening on addr and
// serving path.
func NewPrometheusServer(addr, path string) *PrometheusServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return &PrometheusServer{
		addr: addr,
		path: path,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start blocks serving metrics until ctx is canceled or ListenAndServe errors.
func (s *PrometheusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the metrics server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

var _ Server = (*PrometheusServer)(nil)
