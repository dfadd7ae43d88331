package keeper

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"buyback/observability"
	"buyback/services/buyback-keeper/client"
)

// API is the subset of the daemon client the keeper drives.
type API interface {
	ListOwners(ctx context.Context) ([]common.Address, error)
	GetBuyBack(ctx context.Context, owner common.Address) (*client.Buyback, error)
	Post(ctx context.Context, owner common.Address) error
	Claim(ctx context.Context, owner common.Address) error
}

const (
	ActionPost  = "post"
	ActionClaim = "claim"

	OutcomeOK       = "ok"
	OutcomeNotReady = "not_ready"
	OutcomeSkipped  = "skipped"
	OutcomeError    = "error"
)

// Summary counts what one pass did.
type Summary struct {
	Posted  int
	Claimed int
	Skipped int
	Failed  int
}

// Keeper pokes buybacks that allow external callers: it claims settled
// orders and posts the next tranche once the cooldown has elapsed.
type Keeper struct {
	api      API
	identity common.Address
	owners   []common.Address
	logger   *slog.Logger
	metrics  *observability.KeeperMetrics
	now      func() time.Time
}

// New constructs a keeper. A non-empty owners list restricts the pass to
// those owners.
func New(api API, identity common.Address, owners []common.Address, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		api:      api,
		identity: identity,
		owners:   owners,
		logger:   logger,
		metrics:  observability.Keeper(),
		now:      time.Now,
	}
}

// Tick runs one pass over the owners.
func (k *Keeper) Tick(ctx context.Context) Summary {
	var summary Summary
	k.metrics.RecordRun()
	owners := k.owners
	if len(owners) == 0 {
		listed, err := k.api.ListOwners(ctx)
		if err != nil {
			k.logger.Error("list owners failed", "error", err)
			summary.Failed++
			return summary
		}
		owners = listed
	}
	for _, owner := range owners {
		if ctx.Err() != nil {
			break
		}
		k.poke(ctx, owner, &summary)
	}
	k.logger.Info("keeper pass complete",
		"posted", summary.Posted,
		"claimed", summary.Claimed,
		"skipped", summary.Skipped,
		"failed", summary.Failed)
	return summary
}

func (k *Keeper) poke(ctx context.Context, owner common.Address, summary *Summary) {
	log := k.logger.With("owner", owner.Hex())
	b, err := k.api.GetBuyBack(ctx, owner)
	if err != nil {
		log.Warn("fetch buyback failed", "error", err)
		summary.Failed++
		return
	}
	if !b.AllowExternalPoke && owner != k.identity {
		summary.Skipped++
		return
	}
	if b.Pending != nil {
		k.attempt(ctx, log, ActionClaim, owner, summary)
		return
	}
	if len(b.Schedule) == 0 {
		summary.Skipped++
		return
	}
	if b.LastPostedAt != 0 && k.now().Unix() < b.LastPostedAt+int64(b.IntervalSeconds) {
		k.metrics.RecordPoke(ActionPost, OutcomeSkipped)
		summary.Skipped++
		return
	}
	k.attempt(ctx, log, ActionPost, owner, summary)
}

func (k *Keeper) attempt(ctx context.Context, log *slog.Logger, action string, owner common.Address, summary *Summary) {
	var err error
	if action == ActionClaim {
		err = k.api.Claim(ctx, owner)
	} else {
		err = k.api.Post(ctx, owner)
	}
	switch {
	case err == nil:
		k.metrics.RecordPoke(action, OutcomeOK)
		if action == ActionClaim {
			summary.Claimed++
		} else {
			summary.Posted++
		}
		log.Info("poke succeeded", "action", action)
	case client.IsStatus(err, http.StatusConflict), client.IsStatus(err, http.StatusTooManyRequests):
		// Round still open, cooldown or throttle: try again next pass.
		k.metrics.RecordPoke(action, OutcomeNotReady)
		summary.Skipped++
		log.Debug("poke not ready", "action", action, "reason", err)
	default:
		k.metrics.RecordPoke(action, OutcomeError)
		summary.Failed++
		log.Warn("poke failed", "action", action, "error", err)
	}
}
