package usecase

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"bookstore/internal/domain/model"
	repo "bookstore/internal/repository"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type VerifyOutcome string

const (
	// 決済代行の確定ステータスで決まった
	OutcomeResolved VerifyOutcome = "resolved"
	// まだ決まっていない（pending、または照会失敗でヒントのみ）。再ポーリングする。
	OutcomeProvisional VerifyOutcome = "provisional"
	// 識別子が無い・注文と一致しない
	OutcomeInconclusive VerifyOutcome = "inconclusive"
)

// 戻りURLや通知に載ってくる値（すべて任意、信用しない）
type PaymentSignals struct {
	PaymentID        string
	CollectionID     string
	MerchantOrderID  string
	Status           string
	CollectionStatus string
}

func (s PaymentSignals) paymentRef() string {
	if v := strings.TrimSpace(s.PaymentID); v != "" && v != "null" {
		return v
	}
	if v := strings.TrimSpace(s.CollectionID); v != "" && v != "null" {
		return v
	}
	return ""
}

func (s PaymentSignals) merchantOrderRef() string {
	if v := strings.TrimSpace(s.MerchantOrderID); v != "null" {
		return v
	}
	return ""
}

func (s PaymentSignals) hint() string {
	if s.Status != "" {
		return s.Status
	}
	return s.CollectionStatus
}

type VerifyResult struct {
	OrderID       int64               `json:"order_id"`
	State         model.OrderState    `json:"state"`
	Outcome       VerifyOutcome       `json:"outcome"`
	GatewayStatus model.PaymentStatus `json:"gateway_status,omitempty"`
	// 照会できなかったときに返すヒント（状態には反映しない）
	Hint string `json:"hint,omitempty"`
}

// 公開版は状態と結果だけ
type PublicVerifyResult struct {
	State   model.OrderState `json:"state"`
	Outcome VerifyOutcome    `json:"outcome"`
}

// 決済代行からの信用できない・重複する・順不同な通知を、注文ごとに1回の遷移にまとめる。
type PaymentReconciler struct {
	d      Deps
	sm     *OrderStateMachine
	tracer trace.Tracer
}

func NewPaymentReconciler(d Deps, sm *OrderStateMachine) *PaymentReconciler {
	return &PaymentReconciler{d: d.withDefaults(), sm: sm, tracer: otel.Tracer("bookstore/reconciler")}
}

// ログイン中ユーザーの戻りURL確認（所有者チェックあり）
func (p *PaymentReconciler) VerifyForUser(ctx context.Context, userID int64, orderID int64, sig PaymentSignals) (VerifyResult, error) {
	o, err := loadOwnedOrder(ctx, p.d.Orders, userID, orderID)
	if err != nil {
		return VerifyResult{}, err
	}
	return p.verify(ctx, o, sig)
}

// セッション無しの戻りURL確認。注文IDと決済代行の識別子だけを使う。
func (p *PaymentReconciler) VerifyPublic(ctx context.Context, orderID int64, sig PaymentSignals) (PublicVerifyResult, error) {
	res, err := p.Verify(ctx, orderID, sig)
	if err != nil {
		return PublicVerifyResult{}, err
	}
	return PublicVerifyResult{State: res.State, Outcome: res.Outcome}, nil
}

func (p *PaymentReconciler) Verify(ctx context.Context, orderID int64, sig PaymentSignals) (VerifyResult, error) {
	o, err := p.d.Orders.FindByID(ctx, orderID)
	if err == repo.ErrNotFound {
		return VerifyResult{}, errNotFound()
	}
	if err != nil {
		return VerifyResult{}, errDB(err)
	}
	return p.verify(ctx, o, sig)
}

func (p *PaymentReconciler) verify(ctx context.Context, o model.Order, sig PaymentSignals) (res VerifyResult, err error) {
	ctx, span := p.tracer.Start(ctx, "reconciler.verify", trace.WithAttributes(attribute.Int64("order.id", o.ID)))
	defer func() { p.finish(span, res, err) }()

	res = VerifyResult{OrderID: o.ID, State: o.State}
	ref := sig.paymentRef()

	//既知の決済で確定済みなら、副作用なしで今の状態を返す
	if ref != "" {
		pay, found, err := p.d.Payments.FindByExternalID(ctx, ref)
		if err != nil {
			return res, errDB(err)
		}
		if found && pay.OrderID != o.ID {
			p.d.Log.Warn("payment belongs to another order",
				zap.Int64("order_id", o.ID), zap.Int64("payment_order_id", pay.OrderID), zap.String("external_id", ref))
			res.Outcome = OutcomeInconclusive
			return res, nil
		}
		if found && pay.Status.IsTerminal() {
			res.Outcome = OutcomeResolved
			res.GatewayStatus = pay.Status
			return res, nil
		}
	}

	if ref == "" && sig.merchantOrderRef() == "" {
		res.Outcome = OutcomeInconclusive
		return res, nil
	}

	//照会はロックの外で
	gp, found, qerr := p.query(ctx, ref, sig.merchantOrderRef())
	if qerr != nil {
		if h := sig.hint(); h != "" {
			p.d.Log.Warn("gateway query failed, using hint",
				zap.Int64("order_id", o.ID), zap.String("hint", h), zap.Error(qerr))
			res.Outcome = OutcomeProvisional
			res.Hint = h
			return res, nil
		}
		return res, errGatewayUnavailable(qerr)
	}
	if !found {
		res.Outcome = OutcomeInconclusive
		return res, nil
	}
	if gp.ExternalReference != strconv.FormatInt(o.ID, 10) {
		p.d.Log.Warn("gateway payment references another order",
			zap.Int64("order_id", o.ID), zap.String("external_reference", gp.ExternalReference), zap.String("payment_id", gp.ID))
		res.Outcome = OutcomeInconclusive
		return res, nil
	}

	return p.apply(ctx, o.ID, gp)
}

// 決済代行の通知（payment）。注文IDはexternal_referenceから取る。
func (p *PaymentReconciler) NotifyPayment(ctx context.Context, paymentID string) (res VerifyResult, err error) {
	ctx, span := p.tracer.Start(ctx, "reconciler.notify_payment", trace.WithAttributes(attribute.String("payment.id", paymentID)))
	defer func() { p.finish(span, res, err) }()

	gp, err := p.d.Gateway.GetPayment(ctx, paymentID)
	if errors.Is(err, ErrGatewayNotFound) {
		return VerifyResult{Outcome: OutcomeInconclusive}, nil
	}
	if err != nil {
		return VerifyResult{}, errGatewayUnavailable(err)
	}
	return p.applyNotified(ctx, gp)
}

// 決済代行の通知（merchant_order）
func (p *PaymentReconciler) NotifyMerchantOrder(ctx context.Context, merchantOrderID string) (res VerifyResult, err error) {
	ctx, span := p.tracer.Start(ctx, "reconciler.notify_merchant_order", trace.WithAttributes(attribute.String("merchant_order.id", merchantOrderID)))
	defer func() { p.finish(span, res, err) }()

	mo, err := p.d.Gateway.GetMerchantOrder(ctx, merchantOrderID)
	if errors.Is(err, ErrGatewayNotFound) {
		return VerifyResult{Outcome: OutcomeInconclusive}, nil
	}
	if err != nil {
		return VerifyResult{}, errGatewayUnavailable(err)
	}
	gp, found := model.MostDefinitive(mo.Payments)
	if !found {
		return VerifyResult{Outcome: OutcomeInconclusive}, nil
	}
	if gp.ExternalReference == "" {
		gp.ExternalReference = mo.ExternalReference
	}
	return p.applyNotified(ctx, gp)
}

func (p *PaymentReconciler) applyNotified(ctx context.Context, gp model.GatewayPayment) (VerifyResult, error) {
	orderID, err := strconv.ParseInt(gp.ExternalReference, 10, 64)
	if err != nil || orderID <= 0 {
		p.d.Log.Warn("notification without order reference", zap.String("payment_id", gp.ID), zap.String("external_reference", gp.ExternalReference))
		return VerifyResult{Outcome: OutcomeInconclusive}, nil
	}
	if _, err := p.d.Orders.FindByID(ctx, orderID); err != nil {
		if err == repo.ErrNotFound {
			p.d.Log.Warn("notification for unknown order", zap.Int64("order_id", orderID), zap.String("payment_id", gp.ID))
			return VerifyResult{OrderID: orderID, Outcome: OutcomeInconclusive}, nil
		}
		return VerifyResult{}, errDB(err)
	}
	return p.apply(ctx, orderID, gp)
}

// 放置されたawaiting_payment注文の再照会。決済が無いまま abandonedBefore より前なら見捨てる。
func (p *PaymentReconciler) ReconcileStale(ctx context.Context, o model.Order, abandonedBefore time.Time) (res VerifyResult, err error) {
	ctx, span := p.tracer.Start(ctx, "reconciler.reconcile_stale", trace.WithAttributes(attribute.Int64("order.id", o.ID)))
	defer func() { p.finish(span, res, err) }()

	payments, err := p.d.Gateway.SearchPaymentsByReference(ctx, o.ID)
	if err != nil {
		return VerifyResult{OrderID: o.ID, State: o.State}, errGatewayUnavailable(err)
	}
	ref := strconv.FormatInt(o.ID, 10)
	var matching []model.GatewayPayment
	for _, gp := range payments {
		if gp.ExternalReference == ref {
			matching = append(matching, gp)
		}
	}

	gp, found := model.MostDefinitive(matching)
	if found {
		return p.apply(ctx, o.ID, gp)
	}

	res = VerifyResult{OrderID: o.ID, State: o.State, Outcome: OutcomeInconclusive}
	if o.State != model.OrderStateAwaitingPayment || !o.UpdatedAt.Before(abandonedBefore) {
		return res, nil
	}

	tr, err := p.sm.Transition(ctx, o.ID, model.OrderStateCancelledByGateway, model.ActorGateway)
	if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, errStateMoved) {
		//他の処理が先に進めた
		return res, nil
	}
	if err != nil {
		return res, transitionHTTPError(err)
	}
	res.State = tr.Order.State
	res.Outcome = OutcomeResolved
	return res, nil
}

func (p *PaymentReconciler) query(ctx context.Context, paymentRef string, merchantOrderRef string) (model.GatewayPayment, bool, error) {
	if paymentRef != "" {
		gp, err := p.d.Gateway.GetPayment(ctx, paymentRef)
		if errors.Is(err, ErrGatewayNotFound) {
			return model.GatewayPayment{}, false, nil
		}
		if err != nil {
			return model.GatewayPayment{}, false, err
		}
		return gp, true, nil
	}

	mo, err := p.d.Gateway.GetMerchantOrder(ctx, merchantOrderRef)
	if errors.Is(err, ErrGatewayNotFound) {
		return model.GatewayPayment{}, false, nil
	}
	if err != nil {
		return model.GatewayPayment{}, false, err
	}
	gp, found := model.MostDefinitive(mo.Payments)
	if found && gp.ExternalReference == "" {
		gp.ExternalReference = mo.ExternalReference
	}
	return gp, found, nil
}

// 照会結果を1つのTxで反映：決済をupsert、遷移（CAS）、authoritativeの付け替え。
// CASに負けたら読み直し、相手の結果をそのまま返す。
func (p *PaymentReconciler) apply(ctx context.Context, orderID int64, gp model.GatewayPayment) (VerifyResult, error) {
	res := VerifyResult{OrderID: orderID, GatewayStatus: gp.Status}
	var tr TransitionResult

	for attempt := 0; attempt < p.sm.attempts; attempt++ {
		tr = TransitionResult{}
		err := p.d.Tx.WithinTx(ctx, func(r repo.TxRepos) error {
			o, err := r.Orders().FindByID(ctx, orderID)
			if err != nil {
				return err
			}
			res.State = o.State

			target := gp.Status.TargetState()
			if gp.Status == model.PaymentStatusApproved && gp.Amount != o.TotalPrice {
				p.d.Log.Warn("approved amount does not match order total",
					zap.Int64("order_id", o.ID), zap.Int64("amount", gp.Amount), zap.Int64("total_price", o.TotalPrice), zap.String("payment_id", gp.ID))
				target = model.OrderStateError
			}

			pay, err := r.Payments().Upsert(ctx, model.Payment{
				OrderID:    o.ID,
				ExternalID: gp.ID,
				Status:     gp.Status,
				Amount:     gp.Amount,
				PaidAt:     gp.ApprovedAt,
				CreatedAt:  p.d.Now(),
				UpdatedAt:  p.d.Now(),
			})
			if err != nil {
				return err
			}

			//確定済みのauthoritative決済は置き換えない
			cur, has, err := r.Payments().FindAuthoritativeByOrderID(ctx, o.ID)
			if err != nil {
				return err
			}
			if has && cur.ID != pay.ID && cur.Status.IsTerminal() {
				p.d.Log.Info("payment superseded by earlier definitive payment",
					zap.Int64("order_id", o.ID), zap.String("payment_id", gp.ID), zap.String("authoritative_id", cur.ExternalID))
				return nil
			}

			tr, err = p.sm.applyTx(ctx, r, o, target, model.ActorGateway)
			if errors.Is(err, model.ErrInvalidTransition) {
				//終端の注文への遅れた通知。決済は記録だけする。
				p.d.Log.Warn("payment for order that cannot take it",
					zap.Int64("order_id", o.ID), zap.String("state", string(o.State)), zap.String("status", string(gp.Status)), zap.String("payment_id", gp.ID))
				tr = TransitionResult{Order: o, From: o.State}
				return nil
			}
			if err != nil {
				return err
			}
			res.State = tr.Order.State
			return r.Payments().MarkAuthoritative(ctx, o.ID, pay.ID)
		})
		if errors.Is(err, errStateMoved) {
			continue
		}
		if err != nil {
			if errors.Is(err, repo.ErrLedgerCorrupted) {
				p.d.Log.Error("stock ledger inconsistent", zap.Int64("order_id", orderID), zap.String("payment_id", gp.ID), zap.Error(err))
			}
			return res, transitionHTTPError(err)
		}
		p.sm.afterCommit(ctx, tr)
		res.Outcome = outcomeFor(gp.Status)
		return res, nil
	}

	//競り負け続けた：今の状態を返す（次の照会で収束する）
	o, err := p.d.Orders.FindByID(ctx, orderID)
	if err != nil {
		return res, errDB(err)
	}
	res.State = o.State
	res.Outcome = OutcomeProvisional
	return res, nil
}

func outcomeFor(s model.PaymentStatus) VerifyOutcome {
	if s.IsTerminal() {
		return OutcomeResolved
	}
	return OutcomeProvisional
}

func (p *PaymentReconciler) finish(span trace.Span, res VerifyResult, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(
			attribute.String("order.state", string(res.State)),
			attribute.String("reconcile.outcome", string(res.Outcome)),
		)
		p.d.Metrics.ReconcileOutcome(res.Outcome)
	}
	span.End()
}
