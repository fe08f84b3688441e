package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"bookstore/internal/domain/model"
	repo "bookstore/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 決済代行への冪等キーの名前空間
var preferenceKeySpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("bookstore/preference"))

type OrderUsecase struct {
	d    Deps
	sm   *OrderStateMachine
	cart *CartUsecase
	ttl  time.Duration
}

func NewOrderUsecase(d Deps, sm *OrderStateMachine, cart *CartUsecase, reservationTTL time.Duration) *OrderUsecase {
	return &OrderUsecase{d: d.withDefaults(), sm: sm, cart: cart, ttl: reservationTTL}
}

type CreateOrderInput struct {
	IdempotencyKey  string
	ShippingAddress model.ShippingAddress
}

type OrderItemOutput struct {
	ID        int64  `json:"id"`
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int64  `json:"quantity"`
	Subtotal  int64  `json:"subtotal"`
}

type OrderOutput struct {
	ID              int64                 `json:"id"`
	UserID          int64                 `json:"user_id"`
	State           model.OrderState      `json:"state"`
	TotalPrice      int64                 `json:"total_price"`
	ShippingAddress model.ShippingAddress `json:"shipping_address"`
	CreatedAt       time.Time             `json:"created_at"`
	ExpiresAt       *time.Time            `json:"expires_at,omitempty"`
	Items           []OrderItemOutput     `json:"items"`
}

type OrderListOutput struct {
	Items []OrderOutput `json:"items"`
	Total int64         `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

type InitiatePaymentOutput struct {
	OrderID     int64            `json:"order_id"`
	State       model.OrderState `json:"state"`
	RedirectURL string           `json:"redirect_url"`
}

type CancelOrderOutput struct {
	Order OrderOutput `json:"order"`
	// restore_cart指定時のカート
	Cart *CartResponse `json:"cart,omitempty"`
}

type RemoveOrderItemOutput struct {
	OrderCancelled bool        `json:"order_cancelled"`
	Order          OrderOutput `json:"order"`
}

// 同じキーなら同じ注文（カート→注文、在庫確保）
func (u *OrderUsecase) CreateOrder(ctx context.Context, userID int64, in CreateOrderInput) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, errUnauthorized()
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" || len(key) > 255 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid idempotency_key")
	}
	if err := validateShippingAddress(in.ShippingAddress); err != nil {
		return OrderOutput{}, err
	}

	if out, found, err := u.findByIdempotencyKey(ctx, userID, key); err != nil || found {
		return out, err
	}

	//ACTIVEカート取得
	cart, err := u.d.Carts.FindActiveByUserID(ctx, userID)
	if err == repo.ErrNotFound {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "cart empty")
	}
	if err != nil {
		return OrderOutput{}, errDB(err)
	}
	cartItems, err := u.d.CartItems.ListByCartID(ctx, cart.ID)
	if err != nil {
		return OrderOutput{}, errDB(err)
	}
	if len(cartItems) == 0 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "cart empty")
	}

	ids := make([]int64, 0, len(cartItems))
	for _, ci := range cartItems {
		ids = append(ids, ci.ProductID)
	}
	products, err := u.d.Products.FindByIDs(ctx, ids)
	if err != nil {
		return OrderOutput{}, errDB(err)
	}

	//商品ID順（ロック順を揃える）
	sort.Slice(cartItems, func(i, j int) bool { return cartItems[i].ProductID < cartItems[j].ProductID })

	//スナップショット
	items := make([]model.OrderItem, 0, len(cartItems))
	for _, ci := range cartItems {
		p, ok := products[ci.ProductID]
		if !ok || !p.IsActive || p.DeletedAt.Valid {
			return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "product unavailable")
		}
		items = append(items, model.OrderItem{
			ProductID:           ci.ProductID,
			ProductNameSnapshot: p.Name,
			UnitPriceAtPurchase: p.EffectivePrice(),
			Quantity:            ci.Quantity,
		})
	}

	//商品ごとに確保。途中で足りなければ確保済みを戻す。
	reserved, err := u.reserveAll(ctx, items)
	if err != nil {
		return OrderOutput{}, err
	}

	now := u.d.Now()
	expiresAt := now.Add(u.ttl)
	order := model.Order{
		UserID:          userID,
		State:           model.OrderStatePending,
		StockStatus:     model.StockStatusReserved,
		ShippingAddress: in.ShippingAddress,
		TotalPrice:      model.OrderTotal(items),
		IdempotencyKey:  key,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       &expiresAt,
	}
	for i := range items {
		items[i].CreatedAt = now
	}

	err = u.d.Tx.WithinTx(ctx, func(r repo.TxRepos) error {
		id, err := r.Orders().Create(ctx, order)
		if err != nil {
			return err
		}
		order.ID = id
		if err := r.OrderItems().CreateBulk(ctx, id, items); err != nil {
			return err
		}

		//カートをCHECKED_OUTにして、明細をクリア（再注文防止）
		if err := r.Carts().UpdateStatus(ctx, cart.ID, model.CartStatusCheckedOut); err != nil {
			return err
		}
		return r.Carts().Clear(ctx, cart.ID)
	})
	if err != nil {
		u.releaseAll(ctx, reserved)
		//同じキーの同時リクエストに負けたら相手の注文を返す
		if errors.Is(err, repo.ErrDuplicate) {
			if out, found, ferr := u.findByIdempotencyKey(ctx, userID, key); ferr != nil || found {
				return out, ferr
			}
			return OrderOutput{}, NewHTTPError(http.StatusConflict, "idempotency conflict")
		}
		return OrderOutput{}, errDB(err)
	}

	u.d.Log.Info("order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", userID),
		zap.Int("items", len(items)),
		zap.Int64("total_price", order.TotalPrice),
		zap.Time("expires_at", expiresAt),
	)

	itemsOut, err := u.d.OrderItems.ListByOrderID(ctx, order.ID)
	if err != nil {
		return OrderOutput{}, errDB(err)
	}
	return toOrderOutput(order, itemsOut), nil
}

func (u *OrderUsecase) reserveAll(ctx context.Context, items []model.OrderItem) ([]model.CartLine, error) {
	reserved := make([]model.CartLine, 0, len(items))
	for _, it := range items {
		ok, err := u.d.Ledger.Reserve(ctx, it.ProductID, it.Quantity)
		if err != nil {
			u.releaseAll(ctx, reserved)
			if err == repo.ErrNotFound {
				return nil, NewHTTPError(http.StatusBadRequest, "product unavailable")
			}
			return nil, errDB(err)
		}
		if !ok {
			u.d.Metrics.ReservationFailed(it.ProductID)
			u.releaseAll(ctx, reserved)
			return nil, errInsufficientStock()
		}
		reserved = append(reserved, model.CartLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return reserved, nil
}

// 補償のための解放。注文に紐づく前なので台帳を直接戻す。
func (u *OrderUsecase) releaseAll(ctx context.Context, lines []model.CartLine) {
	ctx = context.WithoutCancel(ctx)
	for _, l := range lines {
		if err := u.d.Ledger.Release(ctx, l.ProductID, l.Quantity); err != nil {
			u.d.Log.Error("release reservation failed",
				zap.Int64("product_id", l.ProductID),
				zap.Int64("quantity", l.Quantity),
				zap.Error(err),
			)
		}
	}
}

func (u *OrderUsecase) findByIdempotencyKey(ctx context.Context, userID int64, key string) (OrderOutput, bool, error) {
	existing, found, err := u.d.Orders.FindByIdempotencyKey(ctx, userID, key)
	if err != nil {
		return OrderOutput{}, false, errDB(err)
	}
	if !found {
		return OrderOutput{}, false, nil
	}
	items, err := u.d.OrderItems.ListByOrderID(ctx, existing.ID)
	if err != nil {
		return OrderOutput{}, false, errDB(err)
	}
	return toOrderOutput(existing, items), true, nil
}

// 決済開始。決済代行の呼び出しは遷移（ロック）の前に済ませる。
func (u *OrderUsecase) InitiatePayment(ctx context.Context, userID int64, orderID int64) (InitiatePaymentOutput, error) {
	o, err := u.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return InitiatePaymentOutput{}, err
	}
	switch o.State {
	case model.OrderStatePending:
		if o.IsExpired(u.d.Now()) {
			return InitiatePaymentOutput{}, NewHTTPError(http.StatusConflict, "order expired")
		}
	case model.OrderStateAwaitingPayment:
		//リダイレクトのやり直し
	default:
		return InitiatePaymentOutput{}, errInvalidTransition(
			fmt.Errorf("%w: payment for order in %s", model.ErrInvalidTransition, o.State))
	}

	items, err := u.d.OrderItems.ListByOrderID(ctx, o.ID)
	if err != nil {
		return InitiatePaymentOutput{}, errDB(err)
	}
	req := model.PreferenceRequest{
		OrderID:        o.ID,
		Items:          make([]model.PreferenceItem, 0, len(items)),
		IdempotencyKey: uuid.NewSHA1(preferenceKeySpace, []byte(fmt.Sprintf("%d:%d", o.ID, o.TotalPrice))).String(),
	}
	for _, it := range items {
		req.Items = append(req.Items, model.PreferenceItem{
			Title:     it.ProductNameSnapshot,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPriceAtPurchase,
		})
	}

	pref, err := u.d.Gateway.CreatePreference(ctx, req)
	if err != nil {
		u.d.Log.Warn("create preference failed", zap.Int64("order_id", o.ID), zap.Error(err))
		return InitiatePaymentOutput{}, errGatewayUnavailable(err)
	}
	if err := u.d.Orders.SetPreferenceID(ctx, o.ID, pref.ID); err != nil {
		return InitiatePaymentOutput{}, errDB(err)
	}

	res, err := u.sm.Transition(ctx, o.ID, model.OrderStateAwaitingPayment, model.ActorUser)
	if err != nil {
		return InitiatePaymentOutput{}, transitionHTTPError(err)
	}

	return InitiatePaymentOutput{OrderID: o.ID, State: res.Order.State, RedirectURL: pref.RedirectURL}, nil
}

// ユーザーによるキャンセル。restoreCartなら明細をカートに戻す。
func (u *OrderUsecase) CancelOrder(ctx context.Context, userID int64, orderID int64, restoreCart bool) (CancelOrderOutput, error) {
	if _, err := u.ownedOrder(ctx, userID, orderID); err != nil {
		return CancelOrderOutput{}, err
	}

	res, err := u.sm.Transition(ctx, orderID, model.OrderStateCancelledByUser, model.ActorUser)
	if err != nil {
		return CancelOrderOutput{}, transitionHTTPError(err)
	}

	return u.finishCancel(ctx, userID, res.Order, restoreCart)
}

// 決済に失敗した（または未払いの）注文をやり直す：未確定ならキャンセルし、明細をカートに戻す。
func (u *OrderUsecase) RetryOrder(ctx context.Context, userID int64, orderID int64) (CancelOrderOutput, error) {
	o, err := u.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return CancelOrderOutput{}, err
	}

	switch o.State {
	case model.OrderStatePending, model.OrderStateAwaitingPayment:
		res, err := u.sm.Transition(ctx, orderID, model.OrderStateCancelledByUser, model.ActorUser)
		if err != nil {
			return CancelOrderOutput{}, transitionHTTPError(err)
		}
		o = res.Order
	case model.OrderStateRejected,
		model.OrderStateCancelledByGateway,
		model.OrderStateCancelledByUser,
		model.OrderStateExpired:
	default:
		return CancelOrderOutput{}, errInvalidTransition(
			fmt.Errorf("%w: retry order in %s", model.ErrInvalidTransition, o.State))
	}

	return u.finishCancel(ctx, userID, o, true)
}

func (u *OrderUsecase) finishCancel(ctx context.Context, userID int64, o model.Order, restoreCart bool) (CancelOrderOutput, error) {
	items, err := u.d.OrderItems.ListByOrderID(ctx, o.ID)
	if err != nil {
		return CancelOrderOutput{}, errDB(err)
	}
	out := CancelOrderOutput{Order: toOrderOutput(o, items)}
	if !restoreCart {
		return out, nil
	}

	lines := make([]model.CartLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, model.CartLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	//印付けとカートへの書き戻しを同じtxで行い、戻すのは1回だけにする
	var (
		cart     CartResponse
		restored bool
	)
	err = u.d.Tx.WithinTx(ctx, func(r repo.TxRepos) error {
		ok, err := r.Orders().MarkCartRestored(ctx, o.ID, u.d.Now())
		if err != nil || !ok {
			return err
		}
		restored = true
		cart, err = NewCartUsecase(r.Carts(), r.CartItems(), r.Products(), r.Ledger()).Restore(ctx, userID, lines)
		return err
	})
	if err != nil {
		if _, ok := AsHTTPError(err); ok {
			return CancelOrderOutput{}, err
		}
		return CancelOrderOutput{}, errDB(err)
	}
	if !restored {
		//既に戻し済み：今のカートを返す
		if cart, err = u.cart.GetCart(ctx, userID); err != nil {
			return CancelOrderOutput{}, err
		}
	}
	out.Cart = &cart
	return out, nil
}

// pendingの間だけ明細を1件削除。最後の1件ならキャンセルになる。
func (u *OrderUsecase) RemoveOrderItem(ctx context.Context, userID int64, orderID int64, itemID int64) (RemoveOrderItemOutput, error) {
	if itemID <= 0 {
		return RemoveOrderItemOutput{}, NewHTTPError(http.StatusBadRequest, "invalid item id")
	}
	if _, err := u.ownedOrder(ctx, userID, orderID); err != nil {
		return RemoveOrderItemOutput{}, err
	}

	var (
		res       TransitionResult
		cancelled bool
	)
	err := u.d.Tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		if o.State != model.OrderStatePending {
			return fmt.Errorf("%w: remove item from order in %s", model.ErrInvalidTransition, o.State)
		}

		item, found, err := r.OrderItems().DeleteFromOrder(ctx, orderID, itemID)
		if err != nil {
			return err
		}
		if !found {
			return repo.ErrNotFound
		}

		now := u.d.Now()
		moved, err := r.Orders().AdjustPendingTotal(ctx, orderID, -item.Subtotal(), now)
		if err != nil {
			return err
		}
		if !moved {
			return errStateMoved
		}
		if o.StockStatus == model.StockStatusReserved {
			if err := r.Ledger().Release(ctx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}
		o.TotalPrice -= item.Subtotal()
		o.UpdatedAt = now

		remaining, err := r.OrderItems().ListByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		res = TransitionResult{Order: o, From: o.State}
		if len(remaining) == 0 {
			res, err = u.sm.applyTx(ctx, r, o, model.OrderStateCancelledByUser, model.ActorUser)
			if err != nil {
				return err
			}
			cancelled = true
		}
		return nil
	})
	if err != nil {
		u.sm.reportFailure(orderID, model.OrderStateCancelledByUser, model.ActorUser, err)
		return RemoveOrderItemOutput{}, transitionHTTPError(err)
	}
	u.sm.afterCommit(ctx, res)

	items, err := u.d.OrderItems.ListByOrderID(ctx, orderID)
	if err != nil {
		return RemoveOrderItemOutput{}, errDB(err)
	}
	return RemoveOrderItemOutput{OrderCancelled: cancelled, Order: toOrderOutput(res.Order, items)}, nil
}

func (u *OrderUsecase) ListMyOrders(ctx context.Context, userID int64, page int, limit int) (OrderListOutput, error) {
	if userID <= 0 {
		return OrderListOutput{}, errUnauthorized()
	}
	if page < 1 {
		return OrderListOutput{}, NewHTTPError(http.StatusBadRequest, "invalid page")
	}
	if limit < 1 || limit > 100 {
		return OrderListOutput{}, NewHTTPError(http.StatusBadRequest, "invalid limit")
	}

	orders, total, err := u.d.Orders.ListByUserID(ctx, userID, page, limit)
	if err != nil {
		return OrderListOutput{}, errDB(err)
	}
	out := OrderListOutput{Items: make([]OrderOutput, 0, len(orders)), Total: total, Page: page, Limit: limit}
	for _, o := range orders {
		items, err := u.d.OrderItems.ListByOrderID(ctx, o.ID)
		if err != nil {
			return OrderListOutput{}, errDB(err)
		}
		out.Items = append(out.Items, toOrderOutput(o, items))
	}
	return out, nil
}

func (u *OrderUsecase) GetMyOrderDetail(ctx context.Context, userID int64, orderID int64) (OrderOutput, error) {
	o, err := u.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return OrderOutput{}, err
	}
	items, err := u.d.OrderItems.ListByOrderID(ctx, orderID)
	if err != nil {
		return OrderOutput{}, errDB(err)
	}
	return toOrderOutput(o, items), nil
}

func (u *OrderUsecase) ownedOrder(ctx context.Context, userID int64, orderID int64) (model.Order, error) {
	return loadOwnedOrder(ctx, u.d.Orders, userID, orderID)
}

func loadOwnedOrder(ctx context.Context, orders repo.OrderRepository, userID int64, orderID int64) (model.Order, error) {
	if userID <= 0 {
		return model.Order{}, errUnauthorized()
	}
	if orderID <= 0 {
		return model.Order{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	o, err := orders.FindByID(ctx, orderID)
	if err == repo.ErrNotFound {
		return model.Order{}, errNotFound()
	}
	if err != nil {
		return model.Order{}, errDB(err)
	}
	if o.UserID != userID {
		return model.Order{}, errNotOwner()
	}
	return o, nil
}

func validateShippingAddress(a model.ShippingAddress) error {
	required := []struct {
		name  string
		value string
	}{
		{"name", a.Name},
		{"postal_code", a.PostalCode},
		{"region", a.Region},
		{"city", a.City},
		{"line1", a.Line1},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return NewHTTPError(http.StatusBadRequest, "shipping_address."+f.name+" required")
		}
		if len(f.value) > 255 {
			return NewHTTPError(http.StatusBadRequest, "shipping_address."+f.name+" too long")
		}
	}
	return nil
}

func toOrderOutput(o model.Order, items []model.OrderItem) OrderOutput {
	outItems := make([]OrderItemOutput, 0, len(items))
	for _, it := range items {
		outItems = append(outItems, OrderItemOutput{
			ID:        it.ID,
			ProductID: it.ProductID,
			Name:      it.ProductNameSnapshot,
			UnitPrice: it.UnitPriceAtPurchase,
			Quantity:  it.Quantity,
			Subtotal:  it.Subtotal(),
		})
	}

	return OrderOutput{
		ID:              o.ID,
		UserID:          o.UserID,
		State:           o.State,
		TotalPrice:      o.TotalPrice,
		ShippingAddress: o.ShippingAddress,
		CreatedAt:       o.CreatedAt,
		ExpiresAt:       o.ExpiresAt,
		Items:           outItems,
	}
}
