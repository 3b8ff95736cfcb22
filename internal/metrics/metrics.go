// Package metrics exposes the agent's Prometheus series:
//
//	agent_cycles_total{loop}                   completed keeper cycles / feeder batches
//	agent_items_scanned_total{kind}            orders and positions read
//	agent_items_eligible_total{kind}           items the evaluator accepted
//	agent_submissions_total{loop,op,outcome}   writes by outcome (ok or error class)
//	agent_published_price{symbol}              last price accepted by the oracle
//	agent_gas_price_gwei{loop}                 gas price bound to the last write
//	agent_next_sequence{loop}                  controller's next sequence number
//	agent_system_paused                        1 while the emergency stop is set
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	scanned        *prometheus.CounterVec
	eligible       *prometheus.CounterVec
	submissions    *prometheus.CounterVec
	publishedPrice *prometheus.GaugeVec
	gasPrice       *prometheus.GaugeVec
	nextSequence   *prometheus.GaugeVec
	paused         prometheus.Gauge
}

// New registers every series on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_cycles_total",
			Help: "Completed keeper cycles and feeder batches",
		}, []string{"loop"}),
		scanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_items_scanned_total",
			Help: "Orders and positions read from the ledger",
		}, []string{"kind"}),
		eligible: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_items_eligible_total",
			Help: "Items found eligible for execution or liquidation",
		}, []string{"kind"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_submissions_total",
			Help: "Ledger writes split by outcome",
		}, []string{"loop", "op", "outcome"}),
		publishedPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_published_price",
			Help: "Last price accepted by the oracle",
		}, []string{"symbol"}),
		gasPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_gas_price_gwei",
			Help: "Gas price bound to the last submission",
		}, []string{"loop"}),
		nextSequence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_next_sequence",
			Help: "Next sequence number owned by the controller",
		}, []string{"loop"}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_system_paused",
			Help: "1 while the ledger's emergency stop is set",
		}),
	}
	m.registry.MustRegister(m.cycles, m.scanned, m.eligible, m.submissions)
	m.registry.MustRegister(m.publishedPrice, m.gasPrice, m.nextSequence, m.paused)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Cycle(loop string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(loop).Inc()
}

func (m *Metrics) Scanned(kind string) {
	if m == nil {
		return
	}
	m.scanned.WithLabelValues(kind).Inc()
}

func (m *Metrics) Eligible(kind string) {
	if m == nil {
		return
	}
	m.eligible.WithLabelValues(kind).Inc()
}

// Submission counts one write; outcome is "ok" or the error class.
func (m *Metrics) Submission(loop, op, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(loop, op, outcome).Inc()
}

func (m *Metrics) PublishedPrice(symbol string, price float64) {
	if m == nil {
		return
	}
	m.publishedPrice.WithLabelValues(symbol).Set(price)
}

// GasPrice records a wei value in gwei.
func (m *Metrics) GasPrice(loop string, wei *big.Int) {
	if m == nil || wei == nil {
		return
	}
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	m.gasPrice.WithLabelValues(loop).Set(gwei)
}

func (m *Metrics) NextSequence(loop string, n uint64) {
	if m == nil {
		return
	}
	m.nextSequence.WithLabelValues(loop).Set(float64(n))
}

func (m *Metrics) Paused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
