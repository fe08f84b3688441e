package repository

import (
	"context"

	"bookstore/internal/domain/model"
)

type PaymentRepository interface {
	FindByExternalID(ctx context.Context, externalID string) (model.Payment, bool, error)
	FindAuthoritativeByOrderID(ctx context.Context, orderID int64) (model.Payment, bool, error)
	ListByOrderID(ctx context.Context, orderID int64) ([]model.Payment, error)

	// external_idで挿入または更新。authoritativeは変えない。
	Upsert(ctx context.Context, p model.Payment) (model.Payment, error)

	// 注文のauthoritative決済をpaymentIDだけにする
	MarkAuthoritative(ctx context.Context, orderID int64, paymentID int64) error
}
