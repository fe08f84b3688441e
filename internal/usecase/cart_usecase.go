package usecase

import (
	"context"
	"net/http"

	"bookstore/internal/domain/model"
	repo "bookstore/internal/repository"
)

// CartUsecase は /cart の業務ロジックです。
// 在庫台帳は読むだけ（確保は注文作成時のみ）。
type CartUsecase struct {
	cartRepo     repo.CartRepository
	cartItemRepo repo.CartItemRepository
	productRepo  repo.ProductRepository
	ledger       repo.StockLedger
}

func NewCartUsecase(
	cartRepo repo.CartRepository,
	cartItemRepo repo.CartItemRepository,
	productRepo repo.ProductRepository,
	ledger repo.StockLedger,
) *CartUsecase {
	return &CartUsecase{
		cartRepo:     cartRepo,
		cartItemRepo: cartItemRepo,
		productRepo:  productRepo,
		ledger:       ledger,
	}
}

// price は現在の販売価格（注文確定時にスナップショットする）
type CartItemResponse struct {
	ID        int64  `json:"id"`
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Quantity  int64  `json:"quantity"`
	Available int64  `json:"available"`
}

type CartResponse struct {
	Items []CartItemResponse `json:"items"`
	Total int64              `json:"total"`
	// 在庫に合わせて数量を減らしたとき true
	Adjusted bool   `json:"adjusted"`
	Notice   string `json:"notice,omitempty"`
}

type AddCartInput struct {
	ProductID int64
	Quantity  int64
}

type UpdateCartItemInput struct {
	Quantity int64
}

// GetCart はカート取得（無ければACTIVEを作って空を返す）。
func (u *CartUsecase) GetCart(ctx context.Context, userID int64) (CartResponse, error) {
	if userID <= 0 {
		return CartResponse{}, errUnauthorized()
	}

	cart, err := u.cartRepo.GetOrCreateActiveByUserID(ctx, userID)
	if err != nil {
		return CartResponse{}, errDB(err)
	}

	return u.buildCartResponse(ctx, cart.ID, false)
}

// AddToCart はカートに追加（同一商品は数量加算、販売可能数で頭打ち）。
func (u *CartUsecase) AddToCart(ctx context.Context, userID int64, in AddCartInput) (CartResponse, error) {
	if userID <= 0 {
		return CartResponse{}, errUnauthorized()
	}
	if in.ProductID <= 0 {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "invalid product_id")
	}
	if in.Quantity < 1 {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "invalid quantity")
	}

	cart, err := u.cartRepo.GetOrCreateActiveByUserID(ctx, userID)
	if err != nil {
		return CartResponse{}, errDB(err)
	}

	items, err := u.cartItemRepo.ListByCartID(ctx, cart.ID)
	if err != nil {
		return CartResponse{}, errDB(err)
	}
	var existingQty int64
	for _, it := range items {
		if it.ProductID == in.ProductID {
			existingQty = it.Quantity
			break
		}
	}

	qty, adjusted, err := u.clamp(ctx, in.ProductID, existingQty+in.Quantity)
	if err != nil {
		return CartResponse{}, err
	}
	if err := u.cartItemRepo.SetQuantityByCartAndProduct(ctx, cart.ID, in.ProductID, qty); err != nil {
		return CartResponse{}, errDB(err)
	}

	return u.buildCartResponse(ctx, cart.ID, adjusted)
}

// 数量変更（所有チェック＋販売可能数で頭打ち）。
func (u *CartUsecase) UpdateCartItem(ctx context.Context, userID int64, cartItemID int64, in UpdateCartItemInput) (CartResponse, error) {
	if userID <= 0 {
		return CartResponse{}, errUnauthorized()
	}
	if cartItemID <= 0 {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if in.Quantity < 1 {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "invalid quantity")
	}

	item, err := u.ownedItem(ctx, userID, cartItemID)
	if err != nil {
		return CartResponse{}, err
	}

	qty, adjusted, err := u.clamp(ctx, item.ProductID, in.Quantity)
	if err != nil {
		return CartResponse{}, err
	}
	if err := u.cartItemRepo.UpdateQuantity(ctx, cartItemID, qty); err != nil {
		if err == repo.ErrNotFound {
			return CartResponse{}, errNotFound()
		}
		return CartResponse{}, errDB(err)
	}

	return u.buildCartResponse(ctx, item.CartID, adjusted)
}

// 明細削除
func (u *CartUsecase) DeleteCartItem(ctx context.Context, userID int64, cartItemID int64) (CartResponse, error) {
	if userID <= 0 {
		return CartResponse{}, errUnauthorized()
	}
	if cartItemID <= 0 {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	item, err := u.ownedItem(ctx, userID, cartItemID)
	if err != nil {
		return CartResponse{}, err
	}
	if err := u.cartItemRepo.DeleteByID(ctx, cartItemID); err != nil {
		if err == repo.ErrNotFound {
			return CartResponse{}, errNotFound()
		}
		return CartResponse{}, errDB(err)
	}

	return u.buildCartResponse(ctx, item.CartID, false)
}

// 注文の明細をカートに戻す（再注文用）。戻せない商品は飛ばす。
func (u *CartUsecase) Restore(ctx context.Context, userID int64, lines []model.CartLine) (CartResponse, error) {
	cart, err := u.cartRepo.GetOrCreateActiveByUserID(ctx, userID)
	if err != nil {
		return CartResponse{}, errDB(err)
	}
	items, err := u.cartItemRepo.ListByCartID(ctx, cart.ID)
	if err != nil {
		return CartResponse{}, errDB(err)
	}
	inCart := make(map[int64]int64, len(items))
	for _, it := range items {
		inCart[it.ProductID] = it.Quantity
	}

	adjusted := false
	for _, l := range lines {
		qty, adj, err := u.clamp(ctx, l.ProductID, inCart[l.ProductID]+l.Quantity)
		if he, ok := AsHTTPError(err); ok && he.Status != http.StatusInternalServerError {
			adjusted = true
			continue
		}
		if err != nil {
			return CartResponse{}, err
		}
		adjusted = adjusted || adj
		if err := u.cartItemRepo.SetQuantityByCartAndProduct(ctx, cart.ID, l.ProductID, qty); err != nil {
			return CartResponse{}, errDB(err)
		}
	}

	return u.buildCartResponse(ctx, cart.ID, adjusted)
}

func (u *CartUsecase) ownedItem(ctx context.Context, userID int64, cartItemID int64) (model.CartItem, error) {
	owned, err := u.cartItemRepo.IsOwnedByUser(ctx, cartItemID, userID)
	if err != nil {
		return model.CartItem{}, errDB(err)
	}
	if !owned {
		return model.CartItem{}, errNotFound()
	}

	item, err := u.cartItemRepo.FindByID(ctx, cartItemID)
	if err == repo.ErrNotFound {
		return model.CartItem{}, errNotFound()
	}
	if err != nil {
		return model.CartItem{}, errDB(err)
	}
	return item, nil
}

// 希望数量を販売可能数（stock - reserved）に合わせる。0なら在庫不足。
func (u *CartUsecase) clamp(ctx context.Context, productID int64, want int64) (int64, bool, error) {
	p, err := u.productRepo.FindByID(ctx, productID)
	if err == repo.ErrNotFound {
		return 0, false, NewHTTPError(http.StatusBadRequest, "invalid")
	}
	if err != nil {
		return 0, false, errDB(err)
	}
	if !p.IsActive || p.DeletedAt.Valid {
		return 0, false, NewHTTPError(http.StatusBadRequest, "invalid")
	}

	available, err := u.ledger.Available(ctx, productID)
	if err != nil {
		return 0, false, errDB(err)
	}
	if available <= 0 {
		return 0, false, errInsufficientStock()
	}
	if want > available {
		return available, true, nil
	}
	return want, false, nil
}

// cartIDの明細をまとめてCartResponseを作る。
func (u *CartUsecase) buildCartResponse(ctx context.Context, cartID int64, adjusted bool) (CartResponse, error) {
	items, err := u.cartItemRepo.ListByCartID(ctx, cartID)
	if err != nil {
		return CartResponse{}, errDB(err)
	}

	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	products, err := u.productRepo.FindByIDs(ctx, ids)
	if err != nil {
		return CartResponse{}, errDB(err)
	}

	resp := CartResponse{Items: make([]CartItemResponse, 0, len(items)), Adjusted: adjusted}
	for _, it := range items {
		p, ok := products[it.ProductID]
		if !ok || !p.IsActive || p.DeletedAt.Valid {
			continue
		}

		price := p.EffectivePrice()
		resp.Items = append(resp.Items, CartItemResponse{
			ID:        it.ID,
			ProductID: it.ProductID,
			Name:      p.Name,
			Price:     price,
			Quantity:  it.Quantity,
			Available: p.Available(),
		})
		resp.Total += price * it.Quantity
	}
	if adjusted {
		resp.Notice = msgLimitedAvailability
	}

	return resp, nil
}
