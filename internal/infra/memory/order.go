package memory

import (
	"context"
	"sort"
	"time"

	"bookstore/internal/domain/model"
	repo "bookstore/internal/repository"
)

type orderRepo struct{ view }

func (r orderRepo) FindByID(_ context.Context, orderID int64) (model.Order, error) {
	var out model.Order
	err := r.do(func(d *data) error {
		o, ok := d.orders[orderID]
		if !ok {
			return repo.ErrNotFound
		}
		out = o
		return nil
	})
	return out, err
}

func (r orderRepo) ListByUserID(_ context.Context, userID int64, page int, limit int) ([]model.Order, int64, error) {
	var all []model.Order
	_ = r.do(func(d *data) error {
		for _, o := range sortedValues(d.orders) {
			if o.UserID == userID {
				all = append(all, o)
			}
		}
		return nil
	})
	return paginateDesc(all, page, limit)
}

func (r orderRepo) Create(_ context.Context, order model.Order) (int64, error) {
	var id int64
	err := r.do(func(d *data) error {
		for _, o := range d.orders {
			if o.UserID == order.UserID && o.IdempotencyKey == order.IdempotencyKey {
				return repo.ErrDuplicate
			}
		}
		order.ID = d.id()
		d.orders[order.ID] = order
		id = order.ID
		return nil
	})
	return id, err
}

func (r orderRepo) FindByIdempotencyKey(_ context.Context, userID int64, key string) (model.Order, bool, error) {
	var (
		out   model.Order
		found bool
	)
	_ = r.do(func(d *data) error {
		for _, o := range d.orders {
			if o.UserID == userID && o.IdempotencyKey == key {
				out, found = o, true
				return nil
			}
		}
		return nil
	})
	return out, found, nil
}

func (r orderRepo) ListAdmin(_ context.Context, f repo.AdminOrderListFilter) ([]model.Order, int64, error) {
	var all []model.Order
	_ = r.do(func(d *data) error {
		for _, o := range sortedValues(d.orders) {
			if f.State != "" && string(o.State) != f.State {
				continue
			}
			if f.UserID != nil && o.UserID != *f.UserID {
				continue
			}
			if f.From != nil && o.CreatedAt.Before(*f.From) {
				continue
			}
			if f.To != nil && o.CreatedAt.After(*f.To) {
				continue
			}
			all = append(all, o)
		}
		return nil
	})
	return paginateDesc(all, f.Page, f.Limit)
}

func (r orderRepo) CompareAndSetState(_ context.Context, orderID int64, ch repo.StateChange) (bool, error) {
	ok := false
	err := r.do(func(d *data) error {
		o, found := d.orders[orderID]
		if !found || o.State != ch.From {
			return nil
		}
		o.State = ch.To
		o.StockStatus = ch.StockStatus
		o.UpdatedAt = ch.At
		if ch.To != model.OrderStatePending {
			o.ExpiresAt = nil
		}
		d.orders[orderID] = o
		ok = true
		return nil
	})
	return ok, err
}

func (r orderRepo) AdjustPendingTotal(_ context.Context, orderID int64, delta int64, at time.Time) (bool, error) {
	ok := false
	err := r.do(func(d *data) error {
		o, found := d.orders[orderID]
		if !found || o.State != model.OrderStatePending {
			return nil
		}
		o.TotalPrice += delta
		o.UpdatedAt = at
		d.orders[orderID] = o
		ok = true
		return nil
	})
	return ok, err
}

func (r orderRepo) SetPreferenceID(_ context.Context, orderID int64, preferenceID string) error {
	return r.do(func(d *data) error {
		o, found := d.orders[orderID]
		if !found {
			return repo.ErrNotFound
		}
		o.PreferenceID = preferenceID
		d.orders[orderID] = o
		return nil
	})
}

func (r orderRepo) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]model.Order, error) {
	var out []model.Order
	_ = r.do(func(d *data) error {
		for _, o := range d.orders {
			if o.State == model.OrderStatePending && o.ExpiresAt != nil && o.ExpiresAt.Before(now) {
				out = append(out, o)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return head(out, limit), nil
}

func (r orderRepo) ListStaleAwaitingPayment(_ context.Context, before time.Time, limit int) ([]model.Order, error) {
	var out []model.Order
	_ = r.do(func(d *data) error {
		for _, o := range d.orders {
			if o.State != model.OrderStateAwaitingPayment || !o.UpdatedAt.Before(before) {
				continue
			}
			if o.LastReconciledAt != nil && !o.LastReconciledAt.Before(before) {
				continue
			}
			out = append(out, o)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := lastTouched(out[i]), lastTouched(out[j])
		if a.Equal(b) {
			return out[i].ID < out[j].ID
		}
		return a.Before(b)
	})
	return head(out, limit), nil
}

func lastTouched(o model.Order) time.Time {
	if o.LastReconciledAt != nil {
		return *o.LastReconciledAt
	}
	return o.UpdatedAt
}

func (r orderRepo) MarkReconciled(_ context.Context, orderID int64, at time.Time) error {
	return r.do(func(d *data) error {
		o, found := d.orders[orderID]
		if !found {
			return repo.ErrNotFound
		}
		o.LastReconciledAt = &at
		d.orders[orderID] = o
		return nil
	})
}

func (r orderRepo) MarkCartRestored(_ context.Context, orderID int64, at time.Time) (bool, error) {
	ok := false
	err := r.do(func(d *data) error {
		o, found := d.orders[orderID]
		if !found {
			return repo.ErrNotFound
		}
		if o.CartRestoredAt != nil {
			return nil
		}
		o.CartRestoredAt = &at
		d.orders[orderID] = o
		ok = true
		return nil
	})
	return ok, err
}

func head(orders []model.Order, limit int) []model.Order {
	if limit > 0 && len(orders) > limit {
		return orders[:limit]
	}
	return orders
}

// id desc でページング
func paginateDesc(all []model.Order, page int, limit int) ([]model.Order, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	total := int64(len(all))
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	start := (page - 1) * limit
	if start >= len(all) {
		return []model.Order{}, total, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

type orderItemRepo struct{ view }

func (r orderItemRepo) CreateBulk(_ context.Context, orderID int64, items []model.OrderItem) error {
	return r.do(func(d *data) error {
		for _, it := range items {
			it.ID = d.id()
			it.OrderID = orderID
			d.orderItems[it.ID] = it
		}
		return nil
	})
}

func (r orderItemRepo) ListByOrderID(_ context.Context, orderID int64) ([]model.OrderItem, error) {
	out := []model.OrderItem{}
	_ = r.do(func(d *data) error {
		for _, it := range sortedValues(d.orderItems) {
			if it.OrderID == orderID {
				out = append(out, it)
			}
		}
		return nil
	})
	return out, nil
}

func (r orderItemRepo) DeleteFromOrder(_ context.Context, orderID int64, itemID int64) (model.OrderItem, bool, error) {
	var (
		out   model.OrderItem
		found bool
	)
	_ = r.do(func(d *data) error {
		it, ok := d.orderItems[itemID]
		if !ok || it.OrderID != orderID {
			return nil
		}
		delete(d.orderItems, itemID)
		out, found = it, true
		return nil
	})
	return out, found, nil
}

type paymentRepo struct{ view }

func (r paymentRepo) FindByExternalID(_ context.Context, externalID string) (model.Payment, bool, error) {
	var (
		out   model.Payment
		found bool
	)
	_ = r.do(func(d *data) error {
		for _, p := range d.payments {
			if p.ExternalID == externalID {
				out, found = p, true
				return nil
			}
		}
		return nil
	})
	return out, found, nil
}

func (r paymentRepo) FindAuthoritativeByOrderID(_ context.Context, orderID int64) (model.Payment, bool, error) {
	var (
		out   model.Payment
		found bool
	)
	_ = r.do(func(d *data) error {
		for _, p := range d.payments {
			if p.OrderID == orderID && p.Authoritative {
				out, found = p, true
				return nil
			}
		}
		return nil
	})
	return out, found, nil
}

func (r paymentRepo) ListByOrderID(_ context.Context, orderID int64) ([]model.Payment, error) {
	out := []model.Payment{}
	_ = r.do(func(d *data) error {
		for _, p := range sortedValues(d.payments) {
			if p.OrderID == orderID {
				out = append(out, p)
			}
		}
		return nil
	})
	return out, nil
}

func (r paymentRepo) Upsert(_ context.Context, p model.Payment) (model.Payment, error) {
	var out model.Payment
	err := r.do(func(d *data) error {
		for id, cur := range d.payments {
			if cur.ExternalID != p.ExternalID {
				continue
			}
			cur.Status = p.Status
			cur.Amount = p.Amount
			cur.PaidAt = p.PaidAt
			cur.UpdatedAt = p.UpdatedAt
			d.payments[id] = cur
			out = cur
			return nil
		}
		p.ID = d.id()
		p.Authoritative = false
		d.payments[p.ID] = p
		out = p
		return nil
	})
	return out, err
}

func (r paymentRepo) MarkAuthoritative(_ context.Context, orderID int64, paymentID int64) error {
	return r.do(func(d *data) error {
		if _, ok := d.payments[paymentID]; !ok {
			return repo.ErrNotFound
		}
		for id, p := range d.payments {
			if p.OrderID == orderID {
				p.Authoritative = id == paymentID
				d.payments[id] = p
			}
		}
		return nil
	})
}
