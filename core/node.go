package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"auctionchain/core/events"
	"auctionchain/core/genesis"
	"auctionchain/core/state"
	"auctionchain/core/types"
	"auctionchain/native/auction"
	"auctionchain/native/common"
	"auctionchain/observability/metrics"
	telemetry "auctionchain/observability/otel"
	"auctionchain/storage"
)

var (
	// ErrTreasuryAccount is returned when funds are minted into an auction
	// treasury. Treasuries only ever receive escrowed bids.
	ErrTreasuryAccount = errors.New("core: treasury accounts cannot be credited")
	// ErrInvalidDuration is returned when an auction is opened with a
	// non-positive duration.
	ErrInvalidDuration = errors.New("core: auction duration must be positive")
)

// Node serialises auction operations over a storage database. Each operation
// runs the auction engine on a fresh state overlay under keyed locks, then
// either commits the overlay and publishes its events or discards both.
type Node struct {
	db      storage.Database
	locks   *keyedLocks
	pauses  *common.Pauses
	clock   func() (int64, error)
	minBid  *big.Int
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.AuctionMetrics
	hub     *eventHub

	operations metric.Int64Counter
}

// Option customises a Node.
type Option func(*Node)

// WithClock overrides the wall clock used for deadlines.
func WithClock(clock func() (int64, error)) Option {
	return func(n *Node) { n.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithMinimumBid sets the bid floor applied to every auction.
func WithMinimumBid(min *big.Int) Option {
	return func(n *Node) { n.minBid = min }
}

// WithPauses shares a pause set with the node.
func WithPauses(p *common.Pauses) Option {
	return func(n *Node) {
		if p != nil {
			n.pauses = p
		}
	}
}

// WithEventBuffer sets how many committed events are retained in memory.
func WithEventBuffer(size int) Option {
	return func(n *Node) { n.hub = newEventHub(size) }
}

// NewNode wires a node on top of db.
func NewNode(db storage.Database, opts ...Option) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database required")
	}
	n := &Node{
		db:      db,
		locks:   newKeyedLocks(),
		pauses:  common.NewPauses(),
		clock:   func() (int64, error) { return time.Now().Unix(), nil },
		minBid:  new(big.Int).Set(auction.DefaultMinimumBid),
		logger:  slog.Default(),
		tracer:  telemetry.Tracer(),
		metrics: metrics.Auction(),
		hub:     newEventHub(defaultEventBuffer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	if n.clock == nil {
		return nil, fmt.Errorf("core: clock required")
	}
	operations, err := telemetry.Meter().Int64Counter("auction.operations",
		metric.WithDescription("Auction operations by outcome"))
	if err != nil {
		return nil, fmt.Errorf("core: operations counter: %w", err)
	}
	n.operations = operations
	if n.minBid == nil || n.minBid.Sign() <= 0 {
		return nil, fmt.Errorf("core: minimum bid must be positive")
	}
	n.minBid = new(big.Int).Set(n.minBid)
	return n, nil
}

// Pauses exposes the shared pause set.
func (n *Node) Pauses() *common.Pauses { return n.pauses }

// MinimumBid returns a copy of the configured bid floor.
func (n *Node) MinimumBid() *big.Int { return new(big.Int).Set(n.minBid) }

// AddEventEmitter forwards every committed event to emitter as well.
func (n *Node) AddEventEmitter(emitter events.Emitter) { n.hub.addEmitter(emitter) }

// SubscribeEvents streams committed events. Events are dropped for a
// subscriber whose buffer is full. The returned function ends the
// subscription and closes the channel.
func (n *Node) SubscribeEvents(buffer int) (<-chan *types.Event, func()) {
	return n.hub.subscribe(buffer)
}

// StreamEvents returns up to backlog retained events (restricted to id when
// set) and a live subscription that starts exactly after them.
func (n *Node) StreamEvents(id *[32]byte, backlog, buffer int) ([]*types.Event, <-chan *types.Event, func()) {
	return n.hub.subscribeFrom(auctionFilter(id), backlog, buffer)
}

func auctionFilter(id *[32]byte) string {
	if id == nil {
		return ""
	}
	return fmt.Sprintf("%x", id[:])
}

// RecentEvents returns retained events, optionally restricted to one auction.
func (n *Node) RecentEvents(id *[32]byte, limit int) []*types.Event {
	return n.hub.recent(auctionFilter(id), limit)
}

func (n *Node) newAuctionEngine(manager *state.Manager, emitter events.Emitter) *auction.Engine {
	engine := auction.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(emitter)
	engine.SetPauses(n.pauses)
	engine.SetClock(n.clock)
	// minBid was validated in NewNode.
	_ = engine.SetMinimumBid(n.minBid)
	return engine
}

type operation func(engine *auction.Engine, manager *state.Manager, emitter events.Emitter) error

func (n *Node) execute(ctx context.Context, name string, keys []string, op operation) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := n.tracer.Start(ctx, "auction."+name)
	defer span.End()
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	release := n.locks.acquire(keys...)
	defer release()

	manager := state.NewManager(n.db)
	buffer := &events.Buffer{}
	engine := n.newAuctionEngine(manager, buffer)

	err = op(engine, manager, buffer)
	if err == nil {
		span.SetAttributes(attribute.Int("writes", manager.Dirty()))
		err = manager.Commit()
	}
	if err != nil {
		manager.Discard()
		buffer.Discard()
	} else {
		span.SetAttributes(attribute.Int("events", buffer.Flush(n.hub)))
	}
	n.observe(ctx, span, name, time.Since(start), err)
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, common.ErrModulePaused):
		return "paused"
	case auction.ClassOf(err) != auction.ClassUnknown:
		return auction.ClassOf(err).String()
	default:
		return "internal"
	}
}

func (n *Node) observe(ctx context.Context, span trace.Span, name string, elapsed time.Duration, err error) {
	result := outcome(err)
	n.metrics.ObserveOperation(name, result, elapsed)
	n.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", name),
		attribute.String("outcome", result)))
	span.SetAttributes(attribute.String("outcome", result))
	switch {
	case err == nil:
		n.logger.DebugContext(ctx, "auction operation", "operation", name, "outcome", result, "duration", elapsed)
	case auction.IsFatal(err):
		n.metrics.IncInvariantViolation()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.logger.ErrorContext(ctx, "auction ledger invariant violated",
			"operation", name, "outcome", result, "invariant", true, "error", err)
	case result == "internal":
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.logger.ErrorContext(ctx, "auction operation failed", "operation", name, "error", err)
	default:
		n.logger.InfoContext(ctx, "auction operation rejected",
			"operation", name, "outcome", result, "code", auction.CodeOf(err), "error", err)
	}
}

// AuctionOpen opens a new auction owned by seller that accepts bids until
// deadline (unix seconds).
func (n *Node) AuctionOpen(ctx context.Context, seller [20]byte, deadline int64, nonce uint64) (*auction.Auction, error) {
	id := auction.DeriveAuctionID(seller, nonce)
	var opened *auction.Auction
	err := n.execute(ctx, "open", []string{auctionLockKey(id), indexLockKey}, func(engine *auction.Engine, _ *state.Manager, _ events.Emitter) error {
		var err error
		opened, err = engine.Open(seller, deadline, nonce)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.metrics.AuctionOpened()
	return opened, nil
}

// AuctionOpenFor opens an auction whose deadline is duration after the
// current node time.
func (n *Node) AuctionOpenFor(ctx context.Context, seller [20]byte, duration time.Duration, nonce uint64) (*auction.Auction, error) {
	secs := int64(duration / time.Second)
	if secs <= 0 {
		return nil, ErrInvalidDuration
	}
	now, err := n.clock()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", auction.ErrClockUnavailable, err)
	}
	return n.AuctionOpen(ctx, seller, now+secs, nonce)
}

// AuctionBid escrows amount from bidder into the auction treasury.
func (n *Node) AuctionBid(ctx context.Context, id [32]byte, bidder [20]byte, amount *big.Int) (*auction.Bid, error) {
	var placed *auction.Bid
	err := n.execute(ctx, "bid", []string{auctionLockKey(id), accountLockKey(bidder)}, func(engine *auction.Engine, _ *state.Manager, _ events.Emitter) error {
		var err error
		placed, err = engine.PlaceBid(id, bidder, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.metrics.BidEscrowed()
	return placed, nil
}

// AuctionSettle pays the winning bid to the seller and closes the auction.
func (n *Node) AuctionSettle(ctx context.Context, id [32]byte, caller [20]byte) error {
	err := n.execute(ctx, "settle", []string{auctionLockKey(id), accountLockKey(caller)}, func(engine *auction.Engine, _ *state.Manager, _ events.Emitter) error {
		return engine.Settle(id, caller)
	})
	if err == nil {
		n.metrics.AuctionClosed()
	}
	return err
}

// AuctionRefund returns caller's losing bid once the auction is settled.
func (n *Node) AuctionRefund(ctx context.Context, id [32]byte, caller [20]byte) error {
	return n.execute(ctx, "refund", []string{auctionLockKey(id), accountLockKey(caller)}, func(engine *auction.Engine, _ *state.Manager, _ events.Emitter) error {
		return engine.Refund(id, caller)
	})
}

// AuctionCloseUnsold closes an expired auction that received no bids.
func (n *Node) AuctionCloseUnsold(ctx context.Context, id [32]byte, caller [20]byte) error {
	err := n.execute(ctx, "close_unsold", []string{auctionLockKey(id)}, func(engine *auction.Engine, _ *state.Manager, _ events.Emitter) error {
		return engine.CloseUnsold(id, caller)
	})
	if err == nil {
		n.metrics.AuctionClosed()
	}
	return err
}

// AuctionAudit checks the escrow conservation law of one auction. It holds the
// auction lock so the treasury and the bid records are read consistently.
func (n *Node) AuctionAudit(ctx context.Context, id [32]byte) (*auction.AuditReport, error) {
	var report *auction.AuditReport
	err := n.execute(ctx, "audit", []string{auctionLockKey(id)}, func(engine *auction.Engine, _ *state.Manager, _ events.Emitter) error {
		var err error
		report, err = engine.Audit(id)
		return err
	})
	return report, err
}

func (n *Node) read(keys []string, fn func(engine *auction.Engine, manager *state.Manager) error) error {
	release := n.locks.acquire(keys...)
	defer release()
	manager := state.NewManager(n.db)
	return fn(n.newAuctionEngine(manager, nil), manager)
}

// AuctionGet returns the stored auction.
func (n *Node) AuctionGet(id [32]byte) (*auction.Auction, error) {
	var out *auction.Auction
	err := n.read([]string{auctionLockKey(id)}, func(engine *auction.Engine, _ *state.Manager) error {
		var err error
		out, err = engine.GetAuction(id)
		return err
	})
	return out, err
}

// AuctionBidGet returns the bid record of bidder together with the auction it
// belongs to, read under the same lock so the pair is consistent.
func (n *Node) AuctionBidGet(id [32]byte, bidder [20]byte) (*auction.Bid, *auction.Auction, error) {
	var (
		bid *auction.Bid
		a   *auction.Auction
	)
	err := n.read([]string{auctionLockKey(id)}, func(engine *auction.Engine, _ *state.Manager) error {
		var err error
		if a, err = engine.GetAuction(id); err != nil {
			return err
		}
		bid, err = engine.GetBid(id, bidder)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return bid, a, nil
}

// AuctionBidders lists the bidders of an auction in bid order.
func (n *Node) AuctionBidders(id [32]byte) ([][20]byte, error) {
	var out [][20]byte
	err := n.read([]string{auctionLockKey(id)}, func(engine *auction.Engine, _ *state.Manager) error {
		var err error
		out, err = engine.Bidders(id)
		return err
	})
	return out, err
}

// AuctionList returns every auction ID in creation order.
func (n *Node) AuctionList() ([][32]byte, error) {
	var out [][32]byte
	err := n.read([]string{indexLockKey}, func(_ *auction.Engine, manager *state.Manager) error {
		var err error
		out, err = manager.AuctionList()
		return err
	})
	return out, err
}

// TreasuryAddress returns the escrow account of an auction.
func (n *Node) TreasuryAddress(id [32]byte) [20]byte {
	return state.AuctionTreasuryAddress(id)
}

// GetAccount returns the ledger account of addr.
func (n *Node) GetAccount(addr [20]byte) (*types.Account, error) {
	var out *types.Account
	err := n.read([]string{accountLockKey(addr)}, func(_ *auction.Engine, manager *state.Manager) error {
		var err error
		out, err = manager.GetAccount(addr)
		return err
	})
	return out, err
}

// Balance returns the balance of addr.
func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	account, err := n.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(account.Balance), nil
}

// Credit mints amount into addr. Treasuries of indexed auctions are refused.
// Funds sent to the treasury of an auction not yet opened stay there, and
// opening that auction fails with auction.ErrTreasuryFunded.
func (n *Node) Credit(ctx context.Context, addr [20]byte, amount *big.Int) error {
	return n.execute(ctx, "credit", []string{accountLockKey(addr), indexLockKey}, func(_ *auction.Engine, manager *state.Manager, emitter events.Emitter) error {
		if err := common.Guard(n.pauses, "ledger"); err != nil {
			return err
		}
		treasury, err := manager.IsTreasury(addr)
		if err != nil {
			return err
		}
		if treasury {
			return ErrTreasuryAccount
		}
		if err := manager.Credit(addr, amount); err != nil {
			return err
		}
		balance, err := manager.Balance(addr)
		if err != nil {
			return err
		}
		emitter.Emit(events.LedgerCredit{To: addr, Amount: new(big.Int).Set(amount), Balance: balance})
		return nil
	})
}

// ApplyGenesis seeds the ledger from spec once. It reports whether the
// allocations were written by this call.
func (n *Node) ApplyGenesis(spec *genesis.GenesisSpec) (bool, error) {
	release := n.locks.acquire(indexLockKey)
	defer release()
	applied, err := genesis.Apply(spec, n.db)
	if err != nil {
		return false, err
	}
	if applied {
		n.logger.Info("genesis applied", "network", spec.NetworkName, "accounts", len(spec.Alloc))
	}
	return applied, nil
}
