package perp

import (
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
)

// Engine is the position/risk engine. It owns the position table and the
// protocol fee accrual, and orchestrates the virtual market and the
// collateral ledger; neither ever calls back into it.
//
// Every mutating operation is one atomic, serialized state transition:
// an exclusive-execution token is acquired at entry and released on every
// path, and state is committed under the engine lock before any payout
// leaves the ledger. Failures abort the whole operation with no partial
// effect.
type Engine struct {
	owner  string
	market *VAMM
	ledger Ledger

	params       Params
	positions    map[string]*Position
	protocolFees *big.Int
	paused       bool

	entered int32 // exclusive-execution token

	logger  log.Logger
	metrics *Metrics
	store   *Store

	mu sync.RWMutex
}

// NewEngine wires the risk engine to a virtual market and a collateral
// ledger. The owner identity alone may run administrative operations.
func NewEngine(owner string, market *VAMM, ledger Ledger, params Params, logger log.Logger) (*Engine, error) {
	if owner == "" {
		return nil, ErrZeroAddress
	}
	if market == nil || ledger == nil {
		return nil, ErrInvalidParam
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		owner:        owner,
		market:       market,
		ledger:       ledger,
		params:       params.clone(),
		positions:    make(map[string]*Position),
		protocolFees: big.NewInt(0),
		logger:       logger,
	}, nil
}

// AttachMetrics registers a metrics sink. Safe to skip; the engine is
// metric-optional.
func (e *Engine) AttachMetrics(m *Metrics) {
	e.metrics = m
}

// AttachStore registers a snapshot store persisted after each committed
// mutation.
func (e *Engine) AttachStore(s *Store) {
	e.store = s
}

// enter acquires the exclusive-execution token. A nested call from within
// an outer mutating operation is rejected rather than queued; concurrent
// submitters must resubmit.
func (e *Engine) enter() error {
	if !atomic.CompareAndSwapInt32(&e.entered, 0, 1) {
		return ErrReentrantCall
	}
	return nil
}

func (e *Engine) exit() {
	atomic.StoreInt32(&e.entered, 0)
}

// OpenPosition commits margin from the trader's external balance and takes
// leveraged exposure against the virtual market. minSize bounds slippage:
// the whole operation, including the reserve mutation and the ledger
// deposit, rolls back if the executed size comes in under it.
func (e *Engine) OpenPosition(trader string, margin *big.Int, leverage int64, isLong bool, minSize *big.Int) (*Position, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return nil, ErrPaused
	}
	if trader == "" {
		return nil, ErrZeroAddress
	}
	if margin == nil || margin.Cmp(e.params.MinMargin) < 0 {
		return nil, ErrInvalidMargin
	}
	if leverage < 1 || leverage > e.params.MaxLeverage {
		return nil, ErrInvalidLeverage
	}
	if _, ok := e.positions[trader]; ok {
		return nil, ErrPositionExists
	}

	if err := e.ledger.Deposit(EngineIdentity, trader, margin); err != nil {
		return nil, err
	}

	dir := Sell
	if isLong {
		dir = Buy
	}
	notional := new(big.Int).Mul(margin, big.NewInt(leverage))

	before := e.market.snapshot()
	size, err := e.market.QuoteToBase(dir, notional)
	if err != nil {
		e.refundDeposit(trader, margin)
		return nil, err
	}

	if minSize != nil && minSize.Sign() > 0 && size.Cmp(minSize) < 0 {
		e.market.restore(before)
		e.refundDeposit(trader, margin)
		return nil, ErrSlippageExceeded
	}
	if e.params.MinPositionSize.Sign() > 0 && size.Cmp(e.params.MinPositionSize) < 0 {
		e.market.restore(before)
		e.refundDeposit(trader, margin)
		return nil, ErrPositionTooSmall
	}

	entryPrice := new(big.Int).Mul(notional, PriceScale)
	entryPrice.Quo(entryPrice, size)

	signed := new(big.Int).Set(size)
	if !isLong {
		signed.Neg(signed)
	}

	pos := &Position{
		Account:      trader,
		Margin:       new(big.Int).Set(margin),
		Size:         signed,
		OpenNotional: notional,
		Leverage:     leverage,
		EntryPrice:   entryPrice,
		OpenedAt:     time.Now(),
	}
	e.positions[trader] = pos

	e.logger.Info("position opened",
		"account", trader,
		"long", isLong,
		"margin", margin.String(),
		"leverage", leverage,
		"size", size.String(),
		"entryPrice", entryPrice.String())
	e.metrics.RecordOpen()
	e.updateGauges()
	e.persist()

	return pos.clone(), nil
}

// ClosePosition unwinds the caller's position at the execution-adjusted
// value and pays out margin plus PnL, floored at zero. A loss beyond
// margin is absorbed by the protocol, never clawed back.
func (e *Engine) ClosePosition(trader string) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return nil, ErrPaused
	}
	pos, ok := e.positions[trader]
	if !ok {
		return nil, ErrNoPosition
	}

	before := e.market.snapshot()
	currentNotional, err := e.market.BaseToQuote(pos.closeDirection(), pos.AbsSize())
	if err != nil {
		return nil, err
	}

	payout := remainingMargin(pos, currentNotional)
	delete(e.positions, trader)

	if payout.Sign() > 0 {
		if err := e.ledger.Withdraw(EngineIdentity, trader, payout); err != nil {
			// Ledger shortfall is fatal to the whole operation.
			e.positions[trader] = pos
			e.market.restore(before)
			return nil, err
		}
	}

	e.logger.Info("position closed",
		"account", trader,
		"notional", currentNotional.String(),
		"payout", payout.String())
	e.metrics.RecordClose()
	e.updateGauges()
	e.persist()

	return payout, nil
}

// LiquidatePosition closes another account's undercollateralized position.
// The caller earns LiquidationRewardRatio of the remaining margin; the
// rest accrues to the protocol.
func (e *Engine) LiquidatePosition(caller, account string) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return nil, ErrPaused
	}
	pos, ok := e.positions[account]
	if !ok {
		return nil, ErrNoPosition
	}
	if caller == account {
		return nil, ErrSelfLiquidation
	}
	ratio := e.marginRatioLocked(pos)
	if ratio.Cmp(big.NewInt(e.params.MaintenanceMarginRatio)) >= 0 {
		return nil, ErrNotLiquidatable
	}

	// A short at or beyond the virtual base reserve cannot be bought
	// back; it stays open until opposing flow rebuilds the reserve.
	before := e.market.snapshot()
	currentNotional, err := e.market.BaseToQuote(pos.closeDirection(), pos.AbsSize())
	if err != nil {
		return nil, err
	}

	remaining := remainingMargin(pos, currentNotional)
	reward := new(big.Int).Mul(remaining, big.NewInt(e.params.LiquidationRewardRatio))
	reward.Quo(reward, bpsDenom)
	protocolShare := new(big.Int).Sub(remaining, reward)

	delete(e.positions, account)

	if reward.Sign() > 0 {
		if err := e.ledger.Withdraw(EngineIdentity, caller, reward); err != nil {
			e.positions[account] = pos
			e.market.restore(before)
			return nil, err
		}
	}
	e.protocolFees.Add(e.protocolFees, protocolShare)

	e.logger.Info("position liquidated",
		"account", account,
		"liquidator", caller,
		"marginRatio", ratio.String(),
		"reward", reward.String(),
		"protocolShare", protocolShare.String())
	e.metrics.RecordLiquidation()
	e.updateGauges()
	e.persist()

	return reward, nil
}

// remainingMargin is margin plus realized PnL, floored at zero.
func remainingMargin(pos *Position, currentNotional *big.Int) *big.Int {
	pnl := new(big.Int)
	if pos.IsLong() {
		pnl.Sub(currentNotional, pos.OpenNotional)
	} else {
		pnl.Sub(pos.OpenNotional, currentNotional)
	}
	out := pnl.Add(pos.Margin, pnl)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

// MarginRatio returns the account's equity over current notional in basis
// points. Accounts with no position report MaxValue (never liquidatable);
// non-positive equity reports zero.
func (e *Engine) MarginRatio(account string) *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pos, ok := e.positions[account]
	if !ok {
		return new(big.Int).Set(MaxValue)
	}
	return e.marginRatioLocked(pos)
}

func (e *Engine) marginRatioLocked(pos *Position) *big.Int {
	currentNotional := e.market.PreviewBaseToQuote(pos.closeDirection(), pos.AbsSize())
	if currentNotional.Cmp(MaxValue) == 0 {
		// Base reserve cannot absorb a short buy-back of this size; the
		// position is as underwater as representable.
		if !pos.IsLong() {
			return big.NewInt(0)
		}
		return new(big.Int).Set(MaxValue)
	}

	pnl := new(big.Int)
	if pos.IsLong() {
		pnl.Sub(currentNotional, pos.OpenNotional)
	} else {
		pnl.Sub(pos.OpenNotional, currentNotional)
	}
	equity := pnl.Add(pos.Margin, pnl)
	if equity.Sign() <= 0 {
		return big.NewInt(0)
	}
	if currentNotional.Sign() == 0 {
		// Degenerate, guards divide by zero.
		return new(big.Int).Set(MaxValue)
	}
	ratio := equity.Mul(equity, bpsDenom)
	return ratio.Quo(ratio, currentNotional)
}

// IsLiquidatable reports whether the account holds a position whose margin
// ratio is below the maintenance threshold.
func (e *Engine) IsLiquidatable(account string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pos, ok := e.positions[account]
	if !ok {
		return false
	}
	return e.marginRatioLocked(pos).Cmp(big.NewInt(e.params.MaintenanceMarginRatio)) < 0
}

// UnrealizedPnL values the position at the execution-adjusted close price.
func (e *Engine) UnrealizedPnL(account string) (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pos, ok := e.positions[account]
	if !ok {
		return nil, ErrNoPosition
	}
	currentNotional := e.market.PreviewBaseToQuote(pos.closeDirection(), pos.AbsSize())
	pnl := new(big.Int)
	if pos.IsLong() {
		pnl.Sub(currentNotional, pos.OpenNotional)
	} else {
		pnl.Sub(pos.OpenNotional, currentNotional)
	}
	return pnl, nil
}

// GetPosition returns a copy of the account's position.
func (e *Engine) GetPosition(account string) (*Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pos, ok := e.positions[account]
	if !ok {
		return nil, ErrNoPosition
	}
	return pos.clone(), nil
}

// Reserves returns the virtual market reserves as of the most recently
// committed operation.
func (e *Engine) Reserves() (base, quote *big.Int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.market.Reserves()
}

// SpotPrice returns the virtual market spot price as of the most
// recently committed operation.
func (e *Engine) SpotPrice() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.market.SpotPrice()
}

// ProtocolFees returns the accrued protocol fee total.
func (e *Engine) ProtocolFees() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return new(big.Int).Set(e.protocolFees)
}

// Params returns a copy of the current risk configuration.
func (e *Engine) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params.clone()
}

// Paused reports whether trader-facing operations are gated.
func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

// PositionCount returns the number of open positions.
func (e *Engine) PositionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.positions)
}

// SetParameters replaces the risk configuration. Owner only. The minimum
// position size is managed separately and carried over.
func (e *Engine) SetParameters(caller string, maxLeverage int64, minMargin *big.Int, maintenanceMarginRatio, liquidationRewardRatio int64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return ErrUnauthorized
	}
	next := Params{
		MaxLeverage:            maxLeverage,
		MinMargin:              minMargin,
		MinPositionSize:        e.params.MinPositionSize,
		MaintenanceMarginRatio: maintenanceMarginRatio,
		LiquidationRewardRatio: liquidationRewardRatio,
	}
	if err := next.Validate(); err != nil {
		return err
	}
	e.params = next.clone()

	e.logger.Info("parameters updated",
		"maxLeverage", maxLeverage,
		"minMargin", minMargin.String(),
		"maintenanceMarginBps", maintenanceMarginRatio,
		"liquidationRewardBps", liquidationRewardRatio)
	e.persist()
	return nil
}

// SetMinPositionSize updates the minimum base size for new positions.
// Owner only.
func (e *Engine) SetMinPositionSize(caller string, size *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return ErrUnauthorized
	}
	if size == nil || size.Sign() < 0 {
		return ErrInvalidParam
	}
	e.params.MinPositionSize = new(big.Int).Set(size)

	e.logger.Info("minimum position size updated", "size", size.String())
	e.persist()
	return nil
}

// WithdrawProtocolFees pays accrued protocol fees out of the ledger.
// Owner only.
func (e *Engine) WithdrawProtocolFees(caller, to string, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return ErrUnauthorized
	}
	if to == "" {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if amount.Cmp(e.protocolFees) > 0 {
		return ErrInsufficientFees
	}
	if err := e.ledger.Withdraw(EngineIdentity, to, amount); err != nil {
		return err
	}
	e.protocolFees.Sub(e.protocolFees, amount)

	e.logger.Info("protocol fees withdrawn", "to", to, "amount", amount.String())
	e.persist()
	return nil
}

// Pause gates open, close, and liquidate. Read accessors and admin
// operations stay available. Owner only.
func (e *Engine) Pause(caller string) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return ErrUnauthorized
	}
	e.paused = true
	e.logger.Info("trading paused")
	e.persist()
	return nil
}

// Unpause lifts the trading gate. Owner only.
func (e *Engine) Unpause(caller string) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return ErrUnauthorized
	}
	e.paused = false
	e.logger.Info("trading unpaused")
	e.persist()
	return nil
}

// refundDeposit reverses a ledger deposit made earlier in the same
// operation. The vault holds the exact amount just deposited, so this
// cannot fail for sufficiency; anything else is logged and surfaced to
// operations through the ledger's own accounting.
func (e *Engine) refundDeposit(trader string, amount *big.Int) {
	if err := e.ledger.Withdraw(EngineIdentity, trader, amount); err != nil {
		e.logger.Error("deposit refund failed", "account", trader, "amount", amount.String(), "error", err)
	}
}

// updateGauges refreshes market gauges after a committed mutation.
// Must be called with the engine lock held.
func (e *Engine) updateGauges() {
	if e.metrics == nil {
		return
	}
	base, quote := e.market.Reserves()
	e.metrics.UpdateMarket(len(e.positions), base, quote, e.market.SpotPrice(), new(big.Int).Set(e.protocolFees))
}

// persist writes current state through the attached store, if any.
// Persistence failure does not unwind a committed in-memory transition.
// Must be called with the engine lock held.
func (e *Engine) persist() {
	if e.store == nil {
		return
	}
	if err := e.store.Save(e.snapshotLocked()); err != nil {
		e.logger.Warn("state snapshot failed", "error", err)
	}
}

// snapshotLocked assembles a persistable view of engine state.
func (e *Engine) snapshotLocked() *Snapshot {
	base, quote := e.market.Reserves()
	positions := make([]*Position, 0, len(e.positions))
	for _, pos := range e.positions {
		positions = append(positions, pos.clone())
	}
	params := e.params.clone()
	return &Snapshot{
		Market: &MarketState{
			BaseReserve:  base,
			QuoteReserve: quote,
			Invariant:    e.market.Invariant(),
		},
		Positions:    positions,
		ProtocolFees: new(big.Int).Set(e.protocolFees),
		Params:       &params,
		Paused:       e.paused,
	}
}

// Restore reloads engine state from the attached store. Called once at
// boot before the engine serves traffic.
func (e *Engine) Restore() error {
	if e.store == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.store.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	if snap.Params != nil {
		e.params = snap.Params.clone()
	}
	e.positions = make(map[string]*Position, len(snap.Positions))
	for _, pos := range snap.Positions {
		e.positions[pos.Account] = pos
	}
	e.protocolFees = new(big.Int).Set(snap.ProtocolFees)
	e.paused = snap.Paused
	if snap.Market != nil {
		e.market.restoreState(snap.Market.BaseReserve, snap.Market.QuoteReserve, snap.Market.Invariant)
	}
	return nil
}
