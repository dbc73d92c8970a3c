package matching

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"ratematch/core/events"
	nativecommon "ratematch/native/common"
)

// ModuleName is the pause switch consulted before every operation.
const ModuleName = "matching"

// Engine pairs suppliers and borrowers peer-to-peer on top of a lending pool
// and keeps the remainder on the pool. It is single writer: operations are
// not safe for concurrent use and re-entrant calls fail with ErrReentrant.
type Engine struct {
	cfg    Config
	pool   PoolAdapter
	oracle Oracle

	markets     map[common.Address]*Market
	marketOrder []common.Address
	positions   map[positionKey]*Position
	registries  map[common.Address]*[bucketCount]*Registry
	memberships map[common.Address][]common.Address

	emitter events.Emitter
	pauses  nativecommon.PauseView
	hook    BalanceHook
	store   Store
	metrics Metrics
	logger  *slog.Logger
	clock   func() time.Time

	busy atomic.Bool
}

// NewEngine constructs an engine on top of the pool adapter and oracle.
func NewEngine(pool PoolAdapter, oracle Oracle, cfg Config) *Engine {
	cfg.EnsureDefaults()
	return &Engine{
		cfg:         cfg,
		pool:        pool,
		oracle:      oracle,
		markets:     make(map[common.Address]*Market),
		positions:   make(map[positionKey]*Position),
		registries:  make(map[common.Address]*[bucketCount]*Registry),
		memberships: make(map[common.Address][]common.Address),
		emitter:     events.NoopEmitter{},
		logger:      slog.Default(),
		clock:       time.Now,
	}
}

// Config returns the engine configuration with defaults applied.
func (e *Engine) Config() Config { return e.cfg }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetBalanceHook wires the optional incentives boundary.
func (e *Engine) SetBalanceHook(hook BalanceHook) { e.hook = hook }

// SetStore wires the persistence layer written at every commit.
func (e *Engine) SetStore(store Store) { e.store = store }

func (e *Engine) SetMetrics(m Metrics) { e.metrics = m }

// SetLogger configures the logger. Passing nil restores slog.Default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetClock overrides the time source used to compound P2P indexes.
func (e *Engine) SetClock(clock func() time.Time) {
	if clock == nil {
		clock = time.Now
	}
	e.clock = clock
}

func (e *Engine) now() uint64 {
	ts := e.clock().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) registry(market common.Address, bucket Bucket) *Registry {
	regs, ok := e.registries[market]
	if !ok || !bucket.valid() {
		return nil
	}
	return regs[bucket]
}

// run executes fn as one transaction. Every state change fn makes is undone
// when it fails, when the store rejects the batch or when the context is done
// before commit. Notifications are emitted only after commit.
func (e *Engine) run(ctx context.Context, operation string, market common.Address, fn func(tx *txn) error) (err error) {
	if e.pool == nil || e.oracle == nil {
		return ErrNilState
	}
	if !e.busy.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	defer e.busy.Store(false)

	started := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveOperation(operation, market, err, time.Since(started))
		}
	}()

	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := newTxn(uuid.NewString())
	snapshotter, hasSnapshot := e.pool.(Snapshotter)
	if hasSnapshot {
		tx.snapshot = snapshotter.Snapshot()
		tx.hasSnapshot = true
	}

	err = fn(tx)
	if err == nil {
		err = ctx.Err()
	}
	if err == nil && e.store != nil {
		if changes := e.changeSet(tx); !changes.Empty() {
			if storeErr := e.store.Commit(changes); storeErr != nil {
				err = fmt.Errorf("matching engine: commit: %w", storeErr)
			}
		}
	}
	if err != nil {
		tx.journal.revert(e)
		if tx.hasSnapshot {
			snapshotter.RevertToSnapshot(tx.snapshot)
		}
		e.logger.Warn("matching operation reverted",
			slog.String("operation", operation),
			slog.String("market", market.Hex()),
			slog.String("tx", tx.id),
			slog.Any("error", err))
		return err
	}

	for _, evt := range tx.events {
		e.emitter.Emit(evt)
	}
	e.logger.Debug("matching operation committed",
		slog.String("operation", operation),
		slog.String("market", market.Hex()),
		slog.String("tx", tx.id),
		slog.Int("journal", tx.journal.length()),
		slog.Int("events", len(tx.events)))
	return nil
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !fitsUint256(amount) {
		return ErrAmountOverflow
	}
	return nil
}

// activeMarket returns the market when it exists and is not paused.
func (e *Engine) activeMarket(asset common.Address) (*Market, error) {
	m, ok := e.markets[asset]
	if !ok {
		return nil, ErrMarketNotFound
	}
	if m.Paused {
		return nil, ErrMarketNotEnabled
	}
	return m, nil
}

func (e *Engine) isMember(user, market common.Address) bool {
	for _, asset := range e.memberships[user] {
		if asset == market {
			return true
		}
	}
	return false
}

func (e *Engine) balance(market, user common.Address, side Side) Balance {
	pos, ok := e.positions[positionKey{market: market, user: user}]
	if !ok {
		return Balance{OnPool: big.NewInt(0), InP2P: big.NewInt(0)}
	}
	return pos.side(side).Clone()
}

func wrapHook(err error) error {
	return fmt.Errorf("matching engine: balance hook: %w", err)
}

func wrapPool(op string, err error) error {
	return fmt.Errorf("matching engine: pool %s: %w", op, err)
}

func positionUpdated(market, user common.Address, side Side, b Balance) events.MatchingPositionUpdated {
	return events.MatchingPositionUpdated{
		Market: market,
		User:   user,
		Side:   side.String(),
		OnPool: cloneBig(b.OnPool),
		InP2P:  cloneBig(b.InP2P),
	}
}

// Supply deposits amount for user. Borrow delta is retired first, then pool
// borrowers are matched P2P and the remainder is supplied to the pool.
func (e *Engine) Supply(ctx context.Context, market, user common.Address, amount *big.Int, budget uint64) (*Receipt, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	var receipt *Receipt
	err := e.run(ctx, "supply", market, func(tx *txn) error {
		m, err := e.activeMarket(market)
		if err != nil {
			return err
		}
		if err := e.refreshIndices(tx, m); err != nil {
			return err
		}
		receipt, err = e.supply(tx, m, user, amount, budget)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (e *Engine) supply(tx *txn, m *Market, user common.Address, amount *big.Int, budget uint64) (*Receipt, error) {
	receipt := newReceipt(tx.id, m.Asset, user, SideSupply)
	receipt.Amount = new(big.Int).Set(amount)
	remaining := new(big.Int).Set(amount)
	toRepay := big.NewInt(0)
	e.touchMarket(tx, m)

	if p2pEligible(m, amount) {
		eligible := new(big.Int).Set(remaining)
		if room := p2pCapRoom(m); room != nil {
			eligible = minBig(eligible, room)
		}
		if m.BorrowDelta.Sign() > 0 && eligible.Sign() > 0 {
			fromDelta := minBig(valueOf(SideBorrow, m.BorrowDelta, m.PoolBorrowIndex), eligible)
			burned := debitUnits(SideBorrow, fromDelta, m.PoolBorrowIndex, m.BorrowDelta)
			m.BorrowDelta = new(big.Int).Sub(m.BorrowDelta, burned)
			receipt.FromDelta = fromDelta
			eligible.Sub(eligible, fromDelta)
			toRepay.Add(toRepay, fromDelta)
			tx.emit(deltaUpdated(m))
		}
		matched, spent, err := e.matchBorrowers(tx, m, eligible, budget)
		if err != nil {
			return nil, err
		}
		receipt.Matched = matched
		receipt.CostSpent = spent
		toRepay.Add(toRepay, matched)
		if e.metrics != nil {
			e.metrics.ObserveMatching("supply", m.Asset, matched, spent)
		}
	}
	remaining.Sub(remaining, toRepay)

	bal := e.balance(m.Asset, user, SideSupply)
	if toRepay.Sign() > 0 {
		minted := creditUnits(SideSupply, toRepay, m.P2PSupplyIndex)
		bal.InP2P.Add(bal.InP2P, minted)
		m.P2PSupplyAmount = new(big.Int).Add(m.P2PSupplyAmount, minted)
		if err := e.pool.Repay(m.Asset, toRepay); err != nil {
			return nil, wrapPool("repay", err)
		}
	}
	if remaining.Sign() > 0 {
		bal.OnPool.Add(bal.OnPool, creditUnits(SideSupply, remaining, m.PoolSupplyIndex))
		if err := e.pool.Supply(m.Asset, remaining); err != nil {
			return nil, wrapPool("supply", err)
		}
	}
	receipt.ToPool = remaining
	if err := e.updateBalance(tx, m.Asset, user, SideSupply, bal); err != nil {
		return nil, err
	}
	receipt.Balance = e.balance(m.Asset, user, SideSupply)
	tx.emit(operationEvent(events.TypeMatchingSupplied, receipt))
	return receipt, nil
}

// Borrow draws amount for user. Supply delta is retired first, then pool
// suppliers are matched P2P and the remainder is borrowed from the pool. The
// post-borrow debt must stay within the user's borrowing capacity.
func (e *Engine) Borrow(ctx context.Context, market, user common.Address, amount *big.Int, budget uint64) (*Receipt, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	var receipt *Receipt
	err := e.run(ctx, "borrow", market, func(tx *txn) error {
		m, err := e.activeMarket(market)
		if err != nil {
			return err
		}
		if err := e.refreshIndices(tx, m); err != nil {
			return err
		}
		if err := e.refreshMemberships(tx, user); err != nil {
			return err
		}
		liq, err := e.liquidity(user, m.Asset, nil, amount)
		if err != nil {
			return err
		}
		if liq.Debt.Cmp(liq.MaxDebt) > 0 {
			return ErrInsufficientCollateral
		}
		receipt, err = e.borrow(tx, m, user, amount, budget)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (e *Engine) borrow(tx *txn, m *Market, user common.Address, amount *big.Int, budget uint64) (*Receipt, error) {
	receipt := newReceipt(tx.id, m.Asset, user, SideBorrow)
	receipt.Amount = new(big.Int).Set(amount)
	remaining := new(big.Int).Set(amount)
	toWithdraw := big.NewInt(0)
	e.touchMarket(tx, m)

	if p2pEligible(m, amount) {
		eligible := new(big.Int).Set(remaining)
		if m.SupplyDelta.Sign() > 0 {
			fromDelta := minBig(valueOf(SideSupply, m.SupplyDelta, m.PoolSupplyIndex), eligible)
			burned := debitUnits(SideSupply, fromDelta, m.PoolSupplyIndex, m.SupplyDelta)
			m.SupplyDelta = new(big.Int).Sub(m.SupplyDelta, burned)
			receipt.FromDelta = fromDelta
			eligible.Sub(eligible, fromDelta)
			toWithdraw.Add(toWithdraw, fromDelta)
			tx.emit(deltaUpdated(m))
		}
		if room := p2pCapRoom(m); room != nil {
			eligible = minBig(eligible, room)
		}
		matched, spent, err := e.matchSuppliers(tx, m, eligible, budget)
		if err != nil {
			return nil, err
		}
		receipt.Matched = matched
		receipt.CostSpent = spent
		toWithdraw.Add(toWithdraw, matched)
		if e.metrics != nil {
			e.metrics.ObserveMatching("borrow", m.Asset, matched, spent)
		}
	}
	remaining.Sub(remaining, toWithdraw)

	bal := e.balance(m.Asset, user, SideBorrow)
	if toWithdraw.Sign() > 0 {
		minted := creditUnits(SideBorrow, toWithdraw, m.P2PBorrowIndex)
		bal.InP2P.Add(bal.InP2P, minted)
		m.P2PBorrowAmount = new(big.Int).Add(m.P2PBorrowAmount, minted)
		if err := e.pool.Withdraw(m.Asset, toWithdraw); err != nil {
			return nil, wrapPool("withdraw", err)
		}
	}
	if remaining.Sign() > 0 {
		bal.OnPool.Add(bal.OnPool, creditUnits(SideBorrow, remaining, m.PoolBorrowIndex))
		if err := e.pool.Borrow(m.Asset, remaining); err != nil {
			return nil, wrapPool("borrow", err)
		}
	}
	receipt.ToPool = remaining
	if err := e.updateBalance(tx, m.Asset, user, SideBorrow, bal); err != nil {
		return nil, err
	}
	receipt.Balance = e.balance(m.Asset, user, SideBorrow)
	tx.emit(operationEvent(events.TypeMatchingBorrowed, receipt))
	return receipt, nil
}

func deltaUpdated(m *Market) events.MatchingDeltaUpdated {
	return events.MatchingDeltaUpdated{
		Market:      m.Asset,
		SupplyDelta: cloneBig(m.SupplyDelta),
		BorrowDelta: cloneBig(m.BorrowDelta),
	}
}

func operationEvent(kind string, r *Receipt) events.MatchingOperation {
	return events.MatchingOperation{
		Kind:      kind,
		ID:        r.ID,
		Market:    r.Market,
		User:      r.User,
		Amount:    cloneBig(r.Amount),
		FromDelta: cloneBig(r.FromDelta),
		Matched:   cloneBig(r.Matched),
		Unmatched: cloneBig(r.Unmatched),
		NewDelta:  cloneBig(r.NewDelta),
		ToPool:    cloneBig(r.ToPool),
		CostSpent: r.CostSpent,
	}
}
