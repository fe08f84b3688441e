// Package memory はリポジトリのメモリ実装（テスト・ローカル用）。
// ストア全体を1つのmutexで守り、WithinTxはロックを握ったままfnを実行し、エラーなら元に戻す。
package memory

import (
	"context"
	"sort"
	"sync"

	"bookstore/internal/domain/model"
	repo "bookstore/internal/repository"
)

type data struct {
	nextID      int64
	products    map[int64]model.Product
	carts       map[int64]model.Cart
	cartItems   map[int64]model.CartItem
	orders      map[int64]model.Order
	orderItems  map[int64]model.OrderItem
	payments    map[int64]model.Payment
	adjustments []model.InventoryAdjustment
	auditLogs   []model.AuditLog
}

func newData() *data {
	return &data{
		products:   map[int64]model.Product{},
		carts:      map[int64]model.Cart{},
		cartItems:  map[int64]model.CartItem{},
		orders:     map[int64]model.Order{},
		orderItems: map[int64]model.OrderItem{},
		payments:   map[int64]model.Payment{},
	}
}

func (d *data) id() int64 {
	d.nextID++
	return d.nextID
}

func (d *data) clone() *data {
	c := &data{
		nextID:      d.nextID,
		products:    cloneMap(d.products),
		carts:       cloneMap(d.carts),
		cartItems:   cloneMap(d.cartItems),
		orders:      cloneMap(d.orders),
		orderItems:  cloneMap(d.orderItems),
		payments:    cloneMap(d.payments),
		adjustments: append([]model.InventoryAdjustment(nil), d.adjustments...),
		auditLogs:   append([]model.AuditLog(nil), d.auditLogs...),
	}
	return c
}

func cloneMap[V any](m map[int64]V) map[int64]V {
	out := make(map[int64]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// IDの昇順で値を返す
func sortedValues[V any](m map[int64]V) []V {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

type Store struct {
	mu sync.Mutex
	d  *data
}

func NewStore() *Store {
	return &Store{d: newData()}
}

// lockedがtrueなら呼び出し側（WithinTx）がmuを持っている
type view struct {
	s      *Store
	locked bool
}

func (v view) do(fn func(d *data) error) error {
	if !v.locked {
		v.s.mu.Lock()
		defer v.s.mu.Unlock()
	}
	return fn(v.s.d)
}

func (s *Store) Products() repo.ProductRepository     { return productRepo{view{s: s}} }
func (s *Store) Ledger() repo.StockLedger             { return ledgerRepo{view{s: s}} }
func (s *Store) Orders() repo.OrderRepository         { return orderRepo{view{s: s}} }
func (s *Store) OrderItems() repo.OrderItemRepository { return orderItemRepo{view{s: s}} }
func (s *Store) Payments() repo.PaymentRepository     { return paymentRepo{view{s: s}} }
func (s *Store) Carts() repo.CartRepository           { return cartRepo{view{s: s}} }
func (s *Store) CartItems() repo.CartItemRepository   { return cartRepo{view{s: s}} }
func (s *Store) AuditLogs() repo.AuditLogRepository   { return auditRepo{view{s: s}} }

type txRepos struct{ v view }

func (t txRepos) Orders() repo.OrderRepository         { return orderRepo{t.v} }
func (t txRepos) OrderItems() repo.OrderItemRepository { return orderItemRepo{t.v} }
func (t txRepos) Payments() repo.PaymentRepository     { return paymentRepo{t.v} }
func (t txRepos) Ledger() repo.StockLedger             { return ledgerRepo{t.v} }
func (t txRepos) Carts() repo.CartRepository           { return cartRepo{t.v} }
func (t txRepos) CartItems() repo.CartItemRepository   { return cartRepo{t.v} }
func (t txRepos) Products() repo.ProductRepository     { return productRepo{t.v} }
func (t txRepos) AuditLogs() repo.AuditLogRepository   { return auditRepo{t.v} }

// fnがエラーを返したら開始時点のデータに戻す
func (s *Store) WithinTx(ctx context.Context, fn func(r repo.TxRepos) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.d.clone()
	if err := fn(txRepos{v: view{s: s, locked: true}}); err != nil {
		s.d = snapshot
		return err
	}
	return nil
}

// 以下はテスト用の直接操作

func (s *Store) SeedProduct(p model.Product) model.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.d.id()
	}
	s.d.products[p.ID] = p
	return p
}

func (s *Store) Product(id int64) (model.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.d.products[id]
	return p, ok
}

func (s *Store) Order(id int64) (model.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.d.orders[id]
	return o, ok
}

// 注文を直接書き換える（期限や状態のテスト用）
func (s *Store) UpdateOrder(id int64, fn func(o *model.Order)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.d.orders[id]; ok {
		fn(&o)
		s.d.orders[id] = o
	}
}

func (s *Store) PaymentsOf(orderID int64) []model.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Payment
	for _, p := range sortedValues(s.d.payments) {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) AuditLogEntries() []model.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditLog(nil), s.d.auditLogs...)
}

func (s *Store) Adjustments() []model.InventoryAdjustment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.InventoryAdjustment(nil), s.d.adjustments...)
}
