package usecase

import (
	"context"
	"errors"
	"time"

	"bookstore/internal/domain/model"
	repo "bookstore/internal/repository"

	"go.uber.org/zap"
)

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	// awaiting_paymentをこれだけ放置したら再照会
	StaleAfter time.Duration
	// 決済が見つからないままこれだけ経ったらcancelled_by_gateway
	AbandonAfter time.Duration
	LeaseTTL     time.Duration
}

type SweepReport struct {
	Expired    int `json:"expired"`
	Skipped    int `json:"skipped"`
	Reconciled int `json:"reconciled"`
	Failed     int `json:"failed"`
	// リースが取れず何もしなかった
	NotLeader bool `json:"not_leader"`
}

// 期限切れのpending注文をexpiredにする定期処理。
// 決済処理とは注文のCASだけで調停する（先に着地した遷移が勝つ）。
type ExpirationSweeper struct {
	d     Deps
	sm    *OrderStateMachine
	rec   *PaymentReconciler
	lease Lease
	cfg   SweeperConfig
}

func NewExpirationSweeper(d Deps, sm *OrderStateMachine, rec *PaymentReconciler, lease Lease, cfg SweeperConfig) *ExpirationSweeper {
	if lease == nil {
		lease = NopLease()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.Interval
	}
	return &ExpirationSweeper{d: d.withDefaults(), sm: sm, rec: rec, lease: lease, cfg: cfg}
}

// ctxが終わるまでInterval毎にRunOnce
func (s *ExpirationSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.d.Log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *ExpirationSweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	started := s.d.Now()

	ok, err := s.lease.Acquire(ctx, s.cfg.LeaseTTL)
	if err != nil {
		return rep, err
	}
	if !ok {
		rep.NotLeader = true
		return rep, nil
	}
	defer func() {
		if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.d.Log.Warn("release sweeper lease failed", zap.Error(err))
		}
	}()

	now := s.d.Now()
	expired, err := s.d.Orders.ListExpiredPending(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return rep, err
	}
	for _, o := range expired {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		res, err := s.sm.Transition(ctx, o.ID, model.OrderStateExpired, model.ActorSweeper)
		switch {
		case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, errStateMoved), errors.Is(err, repo.ErrNotFound):
			//決済などが先に着地した
			rep.Skipped++
		case err != nil:
			rep.Failed++
		case res.Applied:
			rep.Expired++
		default:
			rep.Skipped++
		}
	}

	if s.rec != nil && s.cfg.StaleAfter > 0 {
		stale, err := s.d.Orders.ListStaleAwaitingPayment(ctx, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
		if err != nil {
			return rep, err
		}
		abandonedBefore := now.Add(-s.cfg.AbandonAfter)
		for _, o := range stale {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			_, err := s.rec.ReconcileStale(ctx, o, abandonedBefore)
			//結果に関わらず印を付け、次回は後ろに回す
			if merr := s.d.Orders.MarkReconciled(ctx, o.ID, now); merr != nil {
				s.d.Log.Warn("mark reconciled failed", zap.Int64("order_id", o.ID), zap.Error(merr))
			}
			if err != nil {
				s.d.Log.Warn("reconcile stale order failed", zap.Int64("order_id", o.ID), zap.Error(err))
				rep.Failed++
				continue
			}
			rep.Reconciled++
		}
	}

	took := s.d.Now().Sub(started)
	s.d.Metrics.SweepCompleted(rep.Expired, rep.Reconciled, took)
	if rep.Expired > 0 || rep.Reconciled > 0 || rep.Failed > 0 {
		s.d.Log.Info("sweep completed",
			zap.Int("expired", rep.Expired),
			zap.Int("skipped", rep.Skipped),
			zap.Int("reconciled", rep.Reconciled),
			zap.Int("failed", rep.Failed),
			zap.Duration("took", took),
		)
	}
	return rep, nil
}
