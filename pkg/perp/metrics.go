package perp

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes engine activity through Prometheus. All methods are
// nil-receiver safe so the engine can run without a sink attached.
type Metrics struct {
	registry *prometheus.Registry

	positionsOpened prometheus.Counter
	positionsClosed prometheus.Counter
	liquidations    prometheus.Counter

	openPositions prometheus.Gauge
	baseReserve   prometheus.Gauge
	quoteReserve  prometheus.Gauge
	spotPrice     prometheus.Gauge
	protocolFees  prometheus.Gauge
}

// NewMetrics builds and registers the engine metric set under the given
// namespace.
func NewMetrics(namespace string) (*Metrics, error) {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		positionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Total number of positions opened",
		}),
		positionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Total number of positions closed by their owner",
		}),
		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total number of liquidations executed",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Number of currently open positions",
		}),
		baseReserve: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vamm_base_reserve",
			Help:      "Virtual base reserve",
		}),
		quoteReserve: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vamm_quote_reserve",
			Help:      "Virtual quote reserve",
		}),
		spotPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vamm_spot_price",
			Help:      "Virtual market spot price, fixed-point scaled",
		}),
		protocolFees: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "protocol_fees_accrued",
			Help:      "Quote value retained by the protocol from liquidations",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.positionsOpened, m.positionsClosed, m.liquidations,
		m.openPositions, m.baseReserve, m.quoteReserve,
		m.spotPrice, m.protocolFees,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the metric set over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordOpen counts an opened position.
func (m *Metrics) RecordOpen() {
	if m == nil {
		return
	}
	m.positionsOpened.Inc()
}

// RecordClose counts a trader-initiated close.
func (m *Metrics) RecordClose() {
	if m == nil {
		return
	}
	m.positionsClosed.Inc()
}

// RecordLiquidation counts a liquidation.
func (m *Metrics) RecordLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

// UpdateMarket refreshes the market gauges.
func (m *Metrics) UpdateMarket(openPositions int, base, quote, spot, fees *big.Int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(openPositions))
	m.baseReserve.Set(bigToFloat(base))
	m.quoteReserve.Set(bigToFloat(quote))
	m.spotPrice.Set(bigToFloat(spot))
	m.protocolFees.Set(bigToFloat(fees))
}

func bigToFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
