package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"bookstore/internal/domain/model"
	repo "bookstore/internal/repository"
)

// 管理者の注文操作。遷移は利用者と同じ遷移表に従う。
type AdminOrderUsecase struct {
	d  Deps
	sm *OrderStateMachine
}

func NewAdminOrderUsecase(d Deps, sm *OrderStateMachine) *AdminOrderUsecase {
	return &AdminOrderUsecase{d: d.withDefaults(), sm: sm}
}

type AdminUpdateOrderStatusInput struct {
	State string
}

// 注文一覧
func (u *AdminOrderUsecase) List(ctx context.Context, f repo.AdminOrderListFilter) (OrderListOutput, error) {
	// page/limitの最低限チェック
	if f.Page < 1 {
		return OrderListOutput{}, NewHTTPError(http.StatusBadRequest, "invalid page")
	}
	if f.Limit < 1 || f.Limit > 100 {
		return OrderListOutput{}, NewHTTPError(http.StatusBadRequest, "invalid limit")
	}
	if f.State != "" {
		if _, ok := model.ParseOrderState(f.State); !ok {
			return OrderListOutput{}, NewHTTPError(http.StatusBadRequest, "invalid state")
		}
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return OrderListOutput{}, NewHTTPError(http.StatusBadRequest, "from must be <= to")
	}

	orders, total, err := u.d.Orders.ListAdmin(ctx, f)
	if err != nil {
		return OrderListOutput{}, errDB(err)
	}

	out := OrderListOutput{Items: make([]OrderOutput, 0, len(orders)), Total: total, Page: f.Page, Limit: f.Limit}
	for _, o := range orders {
		items, err := u.d.OrderItems.ListByOrderID(ctx, o.ID)
		if err != nil {
			return OrderListOutput{}, errDB(err)
		}
		out.Items = append(out.Items, toOrderOutput(o, items))
	}
	return out, nil
}

// 管理者による状態変更（同じ遷移表）。適用されたら監査ログを残す。
func (u *AdminOrderUsecase) UpdateStatus(ctx context.Context, actorAdminUserID int64, orderID int64, in AdminUpdateOrderStatusInput) (OrderOutput, error) {
	if actorAdminUserID <= 0 {
		return OrderOutput{}, errUnauthorized()
	}
	if orderID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	to, ok := model.ParseOrderState(strings.TrimSpace(in.State))
	if !ok {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid state")
	}

	var res TransitionResult
	err := u.d.Tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		res, err = u.sm.applyTx(ctx, r, o, to, model.ActorAdmin)
		if err != nil || !res.Applied {
			return err
		}

		// ★監査ログ（UPDATE_ORDER_STATUS）
		return r.AuditLogs().Create(ctx, model.AuditLog{
			ActorUserID:  actorAdminUserID,
			Action:       model.AuditActionUpdateOrderStatus,
			ResourceType: model.AuditResourceOrder,
			ResourceID:   orderID,
			BeforeJSON:   auditJSON(map[string]any{"state": res.From, "stock_status": o.StockStatus}),
			AfterJSON:    auditJSON(map[string]any{"state": res.Order.State, "stock_status": res.Order.StockStatus}),
			CreatedAt:    u.d.Now(),
		})
	})
	if err != nil {
		u.sm.reportFailure(orderID, to, model.ActorAdmin, err)
		return OrderOutput{}, transitionHTTPError(err)
	}
	u.sm.afterCommit(ctx, res)

	items, err := u.d.OrderItems.ListByOrderID(ctx, orderID)
	if err != nil {
		return OrderOutput{}, errDB(err)
	}
	return toOrderOutput(res.Order, items), nil
}

func auditJSON(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// 期間パラメータでtime.Timeが必要なら、handlerでtime.Parseしてここに入れる
func ParseDateTimeRFC3339(s string) (*time.Time, bool) {
	if strings.TrimSpace(s) == "" {
		return nil, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, false
	}
	return &t, true
}

// 管理者の在庫・価格操作
type AdminProductUsecase struct {
	tx  repo.TransactionManager
	now func() time.Time
}

func NewAdminProductUsecase(tx repo.TransactionManager, now func() time.Time) *AdminProductUsecase {
	if now == nil {
		now = time.Now
	}
	return &AdminProductUsecase{tx: tx, now: now}
}

type AdminSetStockInput struct {
	Stock  int64
	Reason string
}

type StockOutput struct {
	ProductID int64 `json:"product_id"`
	Stock     int64 `json:"stock"`
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`
}

// 在庫数の設定。確保中（reserved）より少なくはできない。
func (u *AdminProductUsecase) SetStock(ctx context.Context, adminUserID int64, productID int64, in AdminSetStockInput) (StockOutput, error) {
	if adminUserID <= 0 {
		return StockOutput{}, errUnauthorized()
	}
	if productID <= 0 {
		return StockOutput{}, NewHTTPError(http.StatusBadRequest, "invalid product id")
	}
	if in.Stock < 0 {
		return StockOutput{}, NewHTTPError(http.StatusBadRequest, "stock must be >= 0")
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return StockOutput{}, NewHTTPError(http.StatusBadRequest, "reason required")
	}

	var out StockOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		before, err := r.Ledger().SetStock(ctx, productID, in.Stock)
		if err != nil {
			return err
		}

		now := u.now()
		//履歴を作成（差分）
		if err := r.Ledger().CreateAdjustment(ctx, model.InventoryAdjustment{
			ProductID:   productID,
			AdminUserID: adminUserID,
			StockBefore: before,
			StockAfter:  in.Stock,
			Delta:       in.Stock - before,
			Reason:      reason,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		//監査ログを作成（在庫更新）
		if err := r.AuditLogs().Create(ctx, model.AuditLog{
			ActorUserID:  adminUserID,
			Action:       model.AuditActionUpdateStock,
			ResourceType: model.AuditResourceProduct,
			ResourceID:   productID,
			BeforeJSON:   auditJSON(map[string]any{"stock": before}),
			AfterJSON:    auditJSON(map[string]any{"stock": in.Stock}),
			CreatedAt:    now,
		}); err != nil {
			return err
		}

		p, err := r.Products().FindByID(ctx, productID)
		if err != nil {
			return err
		}
		out = StockOutput{ProductID: p.ID, Stock: p.Stock, Reserved: p.Reserved, Available: p.Available()}
		return nil
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, repo.ErrNotFound):
		return StockOutput{}, errNotFound()
	case errors.Is(err, repo.ErrStockBelowReserved):
		return StockOutput{}, wrapHTTPError(http.StatusConflict, "stock must be >= reserved", err)
	}
	return StockOutput{}, errDB(err)
}

type AdminUpdatePriceInput struct {
	Price            int64
	PromotionalPrice *int64
}

// 価格変更。既存注文の明細単価は変わらない。
func (u *AdminProductUsecase) UpdatePrice(ctx context.Context, adminUserID int64, productID int64, in AdminUpdatePriceInput) error {
	if adminUserID <= 0 {
		return errUnauthorized()
	}
	if productID <= 0 {
		return NewHTTPError(http.StatusBadRequest, "invalid product id")
	}
	if in.Price < 0 {
		return NewHTTPError(http.StatusBadRequest, "price must be >= 0")
	}
	if in.PromotionalPrice != nil && (*in.PromotionalPrice < 0 || *in.PromotionalPrice > in.Price) {
		return NewHTTPError(http.StatusBadRequest, "promotional_price must be between 0 and price")
	}

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		before, err := r.Products().FindByID(ctx, productID)
		if err != nil {
			return err
		}
		if err := r.Products().UpdatePrice(ctx, productID, in.Price, in.PromotionalPrice); err != nil {
			return err
		}

		//監査ログを作成（価格更新）
		return r.AuditLogs().Create(ctx, model.AuditLog{
			ActorUserID:  adminUserID,
			Action:       model.AuditActionUpdatePrice,
			ResourceType: model.AuditResourceProduct,
			ResourceID:   productID,
			BeforeJSON:   auditJSON(map[string]any{"price": before.Price, "promotional_price": before.PromotionalPrice}),
			AfterJSON:    auditJSON(map[string]any{"price": in.Price, "promotional_price": in.PromotionalPrice}),
			CreatedAt:    u.now(),
		})
	})
	if errors.Is(err, repo.ErrNotFound) {
		return errNotFound()
	}
	if err != nil {
		return errDB(err)
	}
	return nil
}
