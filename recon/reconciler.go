// Package recon maintains the local projection of the authoritative
// settlement ledger: it observes committed ledger events, resolves them to
// local orders and repairs any divergence between the projection and the
// ledger's current state. It never writes to the ledger.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"escrowd/audit"
	"escrowd/native/settlement"
)

var (
	// ErrLedgerUnavailable marks transient ledger read failures. The cursor is
	// held back and the pass retried on the next tick.
	ErrLedgerUnavailable = errors.New("recon: ledger unavailable")
	// ErrSync marks local-store failures during a pass.
	ErrSync = errors.New("recon: sync failed")
)

// Ledger is the read-only surface of the authoritative ledger the reconciler
// depends on.
type Ledger interface {
	Events(ctx context.Context, afterSeq uint64, limit int) ([]settlement.Event, error)
	Record(ctx context.Context, key settlement.OrderKey) (*settlement.EscrowRecord, bool, error)
	LatestSequence(ctx context.Context) (uint64, error)
}

// Notifier is invoked when reconciliation observes an order reaching
// REFUNDED. Delivery is fire-and-forget: its outcome never affects the pass.
type Notifier interface {
	Notify(ctx context.Context, orderID string, status settlement.Status)
}

// MetricsSink receives pass outcomes and repair counts.
type MetricsSink interface {
	ObservePass(result string, duration time.Duration)
	ObserveRepair(action string)
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Store    *Store
	Ledger   Ledger
	Trail    audit.Trail
	Notifier Notifier
	Metrics  MetricsSink
	// Lookback bounds the first-run window: events older than latest-Lookback
	// are reconciled through record reads as their keys resurface, not
	// replayed from history.
	Lookback  uint64
	BatchSize int
	Now       func() time.Time
	Logger    *slog.Logger
}

// Result summarises one reconciliation pass.
type Result struct {
	Processed int
	Created   int
	Synced    int
	Skipped   int
	Cursor    uint64
}

// Reconciler keeps the local projection converged with the ledger.
type Reconciler struct {
	store     *Store
	ledger    Ledger
	trail     audit.Trail
	notifier  Notifier
	metrics   MetricsSink
	lookback  uint64
	batchSize int
	now       func() time.Time
	logger    *slog.Logger

	runMu sync.Mutex
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger is required")
	}
	lookback := cfg.Lookback
	if lookback == 0 {
		lookback = 1000
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		trail:     cfg.Trail,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
		lookback:  lookback,
		batchSize: batchSize,
		now:       nowFn,
		logger:    logger,
	}, nil
}

type correction struct {
	action   string
	orderKey string
	detail   string
}

// Run executes one reconciliation pass. Passes never overlap; the cursor only
// advances past batches whose projection writes committed, so a failed or
// cancelled pass is safely re-processed on the next tick.
func (r *Reconciler) Run(ctx context.Context) (result *Result, err error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := r.now()
	defer func() {
		if r.metrics != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			r.metrics.ObservePass(outcome, r.now().Sub(start))
		}
	}()

	cursor, found, err := r.store.CursorValue(ctx, CursorName)
	if err != nil {
		return nil, fmt.Errorf("%w: load cursor: %v", ErrSync, err)
	}
	if !found {
		latest, seqErr := r.ledger.LatestSequence(ctx)
		if seqErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, seqErr)
		}
		if latest > r.lookback {
			cursor = latest - r.lookback
		}
	}

	result = &Result{Cursor: cursor}
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		events, fetchErr := r.ledger.Events(ctx, cursor, r.batchSize)
		if fetchErr != nil {
			r.auditError(ctx, fetchErr)
			return result, fmt.Errorf("%w: %v", ErrLedgerUnavailable, fetchErr)
		}
		if len(events) == 0 {
			return result, nil
		}
		batchEnd := events[len(events)-1].Sequence

		var corrections []correction
		var refundedOrders []string
		txErr := r.store.DB().WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
			for _, evt := range events {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				applied, refunded, orderID, applyErr := r.applyEvent(ctx, dbtx, evt, result)
				if applyErr != nil {
					return applyErr
				}
				corrections = append(corrections, applied...)
				if refunded {
					refundedOrders = append(refundedOrders, orderID)
				}
			}
			now := r.now()
			return dbtx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&Cursor{Name: CursorName, Value: batchEnd, UpdatedAt: now}).Error
		})
		if txErr != nil {
			if errors.Is(txErr, context.Canceled) || errors.Is(txErr, context.DeadlineExceeded) {
				return result, txErr
			}
			r.auditError(ctx, txErr)
			if errors.Is(txErr, ErrLedgerUnavailable) {
				return result, txErr
			}
			return result, fmt.Errorf("%w: %v", ErrSync, txErr)
		}

		for _, c := range corrections {
			r.auditLog(ctx, c.action, c.orderKey, c.detail)
			if r.metrics != nil && c.action != audit.ActionSkipUnmapped {
				r.metrics.ObserveRepair(c.action)
			}
		}
		if r.notifier != nil {
			for _, orderID := range refundedOrders {
				r.notifier.Notify(ctx, orderID, settlement.StatusRefunded)
			}
		}

		cursor = batchEnd
		result.Cursor = cursor
		if len(events) < r.batchSize {
			return result, nil
		}
	}
}

// applyEvent reconciles one ledger event inside the batch transaction. The
// authoritative state comes from a fresh record read, not the event payload.
func (r *Reconciler) applyEvent(ctx context.Context, dbtx *gorm.DB, evt settlement.Event, result *Result) (corrections []correction, refunded bool, orderID string, err error) {
	keyHex := evt.Key.Hex()

	var mapping OrderKeyMapping
	mapErr := dbtx.First(&mapping, "order_key = ?", keyHex).Error
	if errors.Is(mapErr, gorm.ErrRecordNotFound) {
		result.Skipped++
		return []correction{{audit.ActionSkipUnmapped, keyHex, fmt.Sprintf("no order mapping for event %s", evt.Type)}}, false, "", nil
	}
	if mapErr != nil {
		return nil, false, "", mapErr
	}
	orderID = mapping.OrderID

	rec, found, recErr := r.ledger.Record(ctx, evt.Key)
	if recErr != nil {
		return nil, false, "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, recErr)
	}
	if !found || rec == nil {
		return nil, false, "", nil
	}
	result.Processed++

	authoritative := rec.Status.String()
	now := r.now()

	var projection Projection
	projErr := dbtx.First(&projection, "order_key = ?", keyHex).Error
	if errors.Is(projErr, gorm.ErrRecordNotFound) {
		projection = Projection{
			OrderKey:     keyHex,
			OrderID:      orderID,
			Buyer:        string(rec.Buyer),
			Seller:       string(rec.Seller),
			Amount:       rec.Amount.String(),
			Status:       authoritative,
			TimeoutAt:    rec.TimeoutAt,
			LastSyncedAt: now,
			OnchainRef:   evt.Sequence,
		}
		if createErr := dbtx.Create(&projection).Error; createErr != nil {
			return nil, false, "", createErr
		}
		result.Created++
		return []correction{{audit.ActionCreateProjection, keyHex, fmt.Sprintf("reconciled missing entry as %s", authoritative)}}, false, orderID, nil
	}
	if projErr != nil {
		return nil, false, "", projErr
	}

	if projection.Status == authoritative {
		// Re-delivery of an already-applied state is a no-op.
		return nil, false, orderID, nil
	}

	previous := projection.Status
	projection.Status = authoritative
	projection.LastSyncedAt = now
	projection.OnchainRef = evt.Sequence
	if saveErr := dbtx.Save(&projection).Error; saveErr != nil {
		return nil, false, "", saveErr
	}
	result.Synced++
	corrections = []correction{{audit.ActionSyncStatus, keyHex, fmt.Sprintf("updated %s -> %s", previous, authoritative)}}
	return corrections, rec.Status == settlement.StatusRefunded, orderID, nil
}

func (r *Reconciler) auditLog(ctx context.Context, action, orderKey, detail string) {
	if r.trail == nil {
		return
	}
	if err := r.trail.Append(ctx, audit.NewEntry(action, orderKey, detail, r.now())); err != nil {
		r.logger.Warn("audit append failed", "action", action, "orderKey", orderKey, "error", err)
	}
}

func (r *Reconciler) auditError(ctx context.Context, cause error) {
	r.auditLog(ctx, audit.ActionReconError, "", cause.Error())
}
