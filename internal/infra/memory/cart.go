package memory

import (
	"context"
	"errors"

	"bookstore/internal/domain/model"
	repo "bookstore/internal/repository"
)

// CartRepository と CartItemRepository の両方
type cartRepo struct{ view }

func activeCart(d *data, userID int64) (model.Cart, bool) {
	for _, c := range sortedValues(d.carts) {
		if c.UserID == userID && c.Status == model.CartStatusActive {
			return c, true
		}
	}
	return model.Cart{}, false
}

func (r cartRepo) GetOrCreateActiveByUserID(_ context.Context, userID int64) (model.Cart, error) {
	var out model.Cart
	err := r.do(func(d *data) error {
		if c, ok := activeCart(d, userID); ok {
			out = c
			return nil
		}
		out = model.Cart{ID: d.id(), UserID: userID, Status: model.CartStatusActive}
		d.carts[out.ID] = out
		return nil
	})
	return out, err
}

func (r cartRepo) FindActiveByUserID(_ context.Context, userID int64) (model.Cart, error) {
	var out model.Cart
	err := r.do(func(d *data) error {
		c, ok := activeCart(d, userID)
		if !ok {
			return repo.ErrNotFound
		}
		out = c
		return nil
	})
	return out, err
}

func (r cartRepo) UpdateStatus(_ context.Context, cartID int64, status model.CartStatus) error {
	return r.do(func(d *data) error {
		c, ok := d.carts[cartID]
		if !ok {
			return repo.ErrNotFound
		}
		c.Status = status
		d.carts[cartID] = c
		return nil
	})
}

func (r cartRepo) Clear(_ context.Context, cartID int64) error {
	return r.do(func(d *data) error {
		for id, it := range d.cartItems {
			if it.CartID == cartID {
				delete(d.cartItems, id)
			}
		}
		return nil
	})
}

func (r cartRepo) ListByCartID(_ context.Context, cartID int64) ([]model.CartItem, error) {
	out := []model.CartItem{}
	_ = r.do(func(d *data) error {
		for _, it := range sortedValues(d.cartItems) {
			if it.CartID == cartID {
				out = append(out, it)
			}
		}
		return nil
	})
	return out, nil
}

func (r cartRepo) SetQuantityByCartAndProduct(_ context.Context, cartID int64, productID int64, qty int64) error {
	if qty <= 0 {
		return errors.New("invalid quantity")
	}
	return r.do(func(d *data) error {
		for id, it := range d.cartItems {
			if it.CartID == cartID && it.ProductID == productID {
				it.Quantity = qty
				d.cartItems[id] = it
				return nil
			}
		}
		it := model.CartItem{ID: d.id(), CartID: cartID, ProductID: productID, Quantity: qty}
		d.cartItems[it.ID] = it
		return nil
	})
}

func (r cartRepo) UpdateQuantity(_ context.Context, cartItemID int64, qty int64) error {
	return r.do(func(d *data) error {
		it, ok := d.cartItems[cartItemID]
		if !ok {
			return repo.ErrNotFound
		}
		it.Quantity = qty
		d.cartItems[cartItemID] = it
		return nil
	})
}

func (r cartRepo) DeleteByID(_ context.Context, cartItemID int64) error {
	return r.do(func(d *data) error {
		if _, ok := d.cartItems[cartItemID]; !ok {
			return repo.ErrNotFound
		}
		delete(d.cartItems, cartItemID)
		return nil
	})
}

func (r cartRepo) FindByID(_ context.Context, cartItemID int64) (model.CartItem, error) {
	var out model.CartItem
	err := r.do(func(d *data) error {
		it, ok := d.cartItems[cartItemID]
		if !ok {
			return repo.ErrNotFound
		}
		out = it
		return nil
	})
	return out, err
}

func (r cartRepo) IsOwnedByUser(_ context.Context, cartItemID int64, userID int64) (bool, error) {
	owned := false
	_ = r.do(func(d *data) error {
		it, ok := d.cartItems[cartItemID]
		if !ok {
			return nil
		}
		c, ok := d.carts[it.CartID]
		owned = ok && c.UserID == userID && c.Status == model.CartStatusActive
		return nil
	})
	return owned, nil
}
