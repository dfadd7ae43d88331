package buyback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"buyback/core/events"
	"buyback/core/state"
)

var tracer = otel.Tracer("buyback/native/buyback")

// Metrics receives operation outcomes. observability.BuybackMetrics
// satisfies it.
type Metrics interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	AddPendingOrders(delta int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveOperation(string, string, time.Duration) {}
func (nopMetrics) AddPendingOrders(int)                            {}

// Engine implements the buyback ledger and auction scheduling state machine.
// Mutating operations are serialised so that a custody signer never issues
// two interleaved exchange interactions. Ledger reads take the same lock and
// never observe a commit that is later reverted.
type Engine struct {
	mu       sync.Mutex
	state    engineState
	exchange Exchange
	token    Token
	coin     Coin
	custody  common.Address
	emitter  events.Emitter
	metrics  Metrics
	logger   *slog.Logger
	nowFn    func() int64
}

// NewEngine creates an engine bound to the supplied collaborators. The state
// backend must be configured with SetState before use.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		exchange: cfg.Exchange,
		token:    cfg.Token,
		coin:     cfg.Coin,
		custody:  cfg.Custody,
		emitter:  events.NoopEmitter{},
		metrics:  nopMetrics{},
		logger:   slog.Default(),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(st engineState) { e.state = st }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetMetrics configures the metrics sink. Passing nil disables metrics.
func (e *Engine) SetMetrics(m Metrics) {
	if m == nil {
		e.metrics = nopMetrics{}
		return
	}
	e.metrics = m
}

// SetLogger overrides the logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Custody returns the address that holds pooled funds.
func (e *Engine) Custody() common.Address { return e.custody }

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// operation collects the staged writes, the external interactions and the
// events of a single engine call.
type operation struct {
	tx           *state.Tx
	now          int64
	steps        []step
	events       []events.Event
	pendingDelta int
}

// step is one external interaction. undo reverses its effect on the
// collaborator when a later step fails. A final step cannot be reversed:
// once it succeeds the commit stands and later failures go to onFailure.
type step struct {
	name      string
	run       func(ctx context.Context) error
	undo      func(ctx context.Context) error
	final     bool
	onFailure func(err error)
}

func (op *operation) interact(name string, run func(ctx context.Context) error) {
	op.steps = append(op.steps, step{name: name, run: run})
}

func (op *operation) reversible(name string, run, undo func(ctx context.Context) error) {
	op.steps = append(op.steps, step{name: name, run: run, undo: undo})
}

func (op *operation) irreversible(name string, run func(ctx context.Context) error) {
	op.steps = append(op.steps, step{name: name, run: run, final: true})
}

// afterSettled adds a step that runs once the operation can no longer be
// rolled back. A failure is passed to onFailure and does not fail the call.
func (op *operation) afterSettled(name string, run func(ctx context.Context) error, onFailure func(err error)) {
	op.steps = append(op.steps, step{name: name, run: run, onFailure: onFailure})
}

func (op *operation) emit(evt events.Event) {
	op.events = append(op.events, evt)
}

// execute runs fn against a fresh transaction. Staged writes are committed
// before any interaction runs. If an interaction fails before a final step
// has succeeded, completed steps are undone in reverse order, the commit is
// reverted and the error is reported as a transfer failure. Events are only
// emitted when the operation stands.
func (e *Engine) execute(ctx context.Context, name string, fn func(op *operation) error) (err error) {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.exchange == nil || e.token == nil || e.coin == nil {
		return ErrNilCollaborator
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := tracer.Start(ctx, "buyback."+name)
	started := time.Now()
	defer func() {
		outcome := outcomeOf(err)
		span.SetAttributes(attribute.String("buyback.outcome", outcome))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.metrics.ObserveOperation(name, outcome, time.Since(started))
	}()

	op := &operation{tx: e.state.Begin(), now: e.now()}
	if err := fn(op); err != nil {
		op.tx.Discard()
		return err
	}
	undo, err := op.tx.Commit()
	if err != nil {
		return fmt.Errorf("buyback: commit %s: %w", name, err)
	}
	settled := false
	done := make([]step, 0, len(op.steps))
	for _, s := range op.steps {
		err := s.run(ctx)
		if err == nil {
			done = append(done, s)
			settled = settled || s.final
			continue
		}
		if settled {
			e.logger.Warn("buyback interaction failed after settlement",
				slog.String("op", name),
				slog.String("step", s.name),
				slog.Any("error", err))
			if s.onFailure != nil {
				s.onFailure(err)
			}
			continue
		}
		e.logger.Warn("buyback interaction failed",
			slog.String("op", name),
			slog.String("step", s.name),
			slog.Any("error", err))
		e.unwind(ctx, name, done)
		if revertErr := undo.Revert(); revertErr != nil {
			e.logger.Error("buyback revert failed",
				slog.String("op", name),
				slog.String("step", s.name),
				slog.Any("error", revertErr))
		}
		return transferError(s.name, err)
	}
	if op.pendingDelta != 0 {
		e.metrics.AddPendingOrders(op.pendingDelta)
	}
	for _, evt := range op.events {
		e.emitter.Emit(evt)
	}
	return nil
}

// unwind undoes completed steps newest first. It runs on a context that
// survives cancellation of the caller.
func (e *Engine) unwind(ctx context.Context, name string, done []step) {
	ctx = context.WithoutCancel(ctx)
	for i := len(done) - 1; i >= 0; i-- {
		s := done[i]
		if s.undo == nil {
			continue
		}
		if err := s.undo(ctx); err != nil {
			e.logger.Error("buyback compensation failed, custody needs reconciliation",
				slog.String("op", name),
				slog.String("step", s.name),
				slog.Any("error", err))
		}
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrState):
		return "state"
	case errors.Is(err, ErrTransfer):
		return "transfer"
	default:
		return "error"
	}
}

// loadOwned loads the owner's configuration and rejects foreign callers.
func (e *Engine) loadOwned(r kvReader, caller, owner common.Address) (*Buyback, error) {
	if caller != owner {
		return nil, ErrNotOwner
	}
	return e.load(r, owner)
}

func (e *Engine) load(r kvReader, owner common.Address) (*Buyback, error) {
	b, ok, err := getBuyback(r, owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

// ensureCovered checks that everything the configuration has committed is
// backed by the owner's balance of token.
func (e *Engine) ensureCovered(r kvReader, b *Buyback, token common.Address) error {
	balance, err := getAmount(r, balanceKey(b.Owner, token))
	if err != nil {
		return err
	}
	if b.Committed().Cmp(balance) > 0 {
		return ErrScheduleExceedsDeposit
	}
	return nil
}
