package memory

import (
	"context"
	"fmt"

	"bookstore/internal/domain/model"
	repo "bookstore/internal/repository"
)

type productRepo struct{ view }

func (r productRepo) FindByID(_ context.Context, id int64) (model.Product, error) {
	var out model.Product
	err := r.do(func(d *data) error {
		p, ok := d.products[id]
		if !ok {
			return repo.ErrNotFound
		}
		out = p
		return nil
	})
	return out, err
}

func (r productRepo) FindByIDs(_ context.Context, ids []int64) (map[int64]model.Product, error) {
	out := make(map[int64]model.Product, len(ids))
	err := r.do(func(d *data) error {
		for _, id := range ids {
			if p, ok := d.products[id]; ok {
				out[id] = p
			}
		}
		return nil
	})
	return out, err
}

func (r productRepo) Create(_ context.Context, p model.Product) (model.Product, error) {
	err := r.do(func(d *data) error {
		p.ID = d.id()
		d.products[p.ID] = p
		return nil
	})
	return p, err
}

func (r productRepo) UpdatePrice(_ context.Context, id int64, price int64, promotionalPrice *int64) error {
	return r.do(func(d *data) error {
		p, ok := d.products[id]
		if !ok || p.DeletedAt.Valid {
			return repo.ErrNotFound
		}
		p.Price = price
		p.PromotionalPrice = promotionalPrice
		d.products[id] = p
		return nil
	})
}

type ledgerRepo struct{ view }

func (r ledgerRepo) Reserve(_ context.Context, productID int64, qty int64) (bool, error) {
	if qty <= 0 {
		return false, fmt.Errorf("reserve: invalid quantity %d", qty)
	}
	ok := false
	err := r.do(func(d *data) error {
		p, found := d.products[productID]
		if !found {
			return repo.ErrNotFound
		}
		if p.Stock-p.Reserved < qty {
			return nil
		}
		p.Reserved += qty
		d.products[productID] = p
		ok = true
		return nil
	})
	return ok, err
}

func (r ledgerRepo) Release(_ context.Context, productID int64, qty int64) error {
	return r.do(func(d *data) error {
		p, found := d.products[productID]
		if !found {
			return repo.ErrNotFound
		}
		p.Reserved -= qty
		if p.Reserved < 0 {
			p.Reserved = 0
		}
		d.products[productID] = p
		return nil
	})
}

func (r ledgerRepo) Commit(_ context.Context, productID int64, qty int64) error {
	return r.do(func(d *data) error {
		p, found := d.products[productID]
		if !found {
			return repo.ErrNotFound
		}
		if p.Reserved < qty || p.Stock < qty {
			return repo.ErrLedgerCorrupted
		}
		p.Stock -= qty
		p.Reserved -= qty
		d.products[productID] = p
		return nil
	})
}

func (r ledgerRepo) Available(_ context.Context, productID int64) (int64, error) {
	var n int64
	err := r.do(func(d *data) error {
		p, found := d.products[productID]
		if !found {
			return repo.ErrNotFound
		}
		n = p.Available()
		return nil
	})
	return n, err
}

func (r ledgerRepo) SetStock(_ context.Context, productID int64, newStock int64) (int64, error) {
	var before int64
	err := r.do(func(d *data) error {
		p, found := d.products[productID]
		if !found {
			return repo.ErrNotFound
		}
		if newStock < p.Reserved {
			return repo.ErrStockBelowReserved
		}
		before = p.Stock
		p.Stock = newStock
		d.products[productID] = p
		return nil
	})
	return before, err
}

func (r ledgerRepo) CreateAdjustment(_ context.Context, adj model.InventoryAdjustment) error {
	return r.do(func(d *data) error {
		adj.ID = d.id()
		d.adjustments = append(d.adjustments, adj)
		return nil
	})
}

type auditRepo struct{ view }

func (r auditRepo) Create(_ context.Context, log model.AuditLog) error {
	return r.do(func(d *data) error {
		log.ID = d.id()
		d.auditLogs = append(d.auditLogs, log)
		return nil
	})
}
