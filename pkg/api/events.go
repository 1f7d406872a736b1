package api

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

// NATS subjects for engine events.
const (
	SubjectTrades       = "perp.trades"
	SubjectLiquidations = "perp.liquidations"
)

// TradeEvent is published whenever a position is opened or closed.
type TradeEvent struct {
	Account   string `json:"account"`
	Action    string `json:"action"`
	Size      string `json:"size,omitempty"`
	Payout    string `json:"payout,omitempty"`
	SpotPrice string `json:"spotPrice"`
	Timestamp int64  `json:"timestamp"`
}

// LiquidationEvent is published whenever a position is liquidated.
type LiquidationEvent struct {
	Account    string `json:"account"`
	Liquidator string `json:"liquidator"`
	Reward     string `json:"reward"`
	SpotPrice  string `json:"spotPrice"`
	Timestamp  int64  `json:"timestamp"`
}

// Publisher pushes engine events to NATS. A nil Publisher is valid and
// drops every event, so callers never need to branch on whether
// messaging is configured.
type Publisher struct {
	nc     *nats.Conn
	logger log.Logger
}

// NewPublisher connects to the NATS server at url. An empty url returns
// a nil publisher with no error.
func NewPublisher(url string, logger log.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to NATS", "url", url)
	return &Publisher{nc: nc, logger: logger}, nil
}

// Close drains the NATS connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Close()
}

// PublishTrade emits a trade event. Publish failures are logged, not
// returned; the trade itself has already settled.
func (p *Publisher) PublishTrade(account, action string, amount, spot *big.Int) {
	if p == nil {
		return
	}
	ev := TradeEvent{
		Account:   account,
		Action:    action,
		SpotPrice: formatAmount(spot),
		Timestamp: time.Now().UnixMilli(),
	}
	switch action {
	case "open":
		ev.Size = formatAmount(amount)
	case "close":
		ev.Payout = formatAmount(amount)
	}
	p.publish(SubjectTrades, ev)
}

// PublishLiquidation emits a liquidation event.
func (p *Publisher) PublishLiquidation(account, liquidator string, reward, spot *big.Int) {
	if p == nil {
		return
	}
	p.publish(SubjectLiquidations, LiquidationEvent{
		Account:    account,
		Liquidator: liquidator,
		Reward:     formatAmount(reward),
		SpotPrice:  formatAmount(spot),
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (p *Publisher) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("Failed to marshal event", "subject", subject, "error", err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}

// formatAmount renders a 6-decimal fixed-point value as a decimal string.
func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -6).String()
}
