package repository

import (
	"context"

	"bookstore/internal/domain/model"
	repo "bookstore/internal/repository"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentGormRepository struct {
	db *gorm.DB
}

func NewPaymentGormRepository(db *gorm.DB) *PaymentGormRepository {
	return &PaymentGormRepository{db: db}
}

func (r *PaymentGormRepository) FindByExternalID(ctx context.Context, externalID string) (model.Payment, bool, error) {
	var p model.Payment
	err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&p).Error
	if isNotFound(err) {
		return model.Payment{}, false, nil
	}
	if err != nil {
		return model.Payment{}, false, err
	}
	return p, true, nil
}

func (r *PaymentGormRepository) FindAuthoritativeByOrderID(ctx context.Context, orderID int64) (model.Payment, bool, error) {
	var p model.Payment
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND authoritative = ?", orderID, true).
		First(&p).Error
	if isNotFound(err) {
		return model.Payment{}, false, nil
	}
	if err != nil {
		return model.Payment{}, false, err
	}
	return p, true, nil
}

func (r *PaymentGormRepository) ListByOrderID(ctx context.Context, orderID int64) ([]model.Payment, error) {
	var items []model.Payment
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id asc").Find(&items).Error; err != nil {
		return []model.Payment{}, err
	}
	return items, nil
}

// external_idの一意制約で重複通知をまとめる。order_idは最初の値のまま。
func (r *PaymentGormRepository) Upsert(ctx context.Context, p model.Payment) (model.Payment, error) {
	p.ID = 0
	p.Authoritative = false
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "amount", "paid_at", "updated_at"}),
		}).
		Create(&p).Error
	if err != nil {
		return model.Payment{}, err
	}

	saved, found, err := r.FindByExternalID(ctx, p.ExternalID)
	if err != nil {
		return model.Payment{}, err
	}
	if !found {
		return model.Payment{}, repo.ErrNotFound
	}
	return saved, nil
}

func (r *PaymentGormRepository) MarkAuthoritative(ctx context.Context, orderID int64, paymentID int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Payment{}).
			Where("order_id = ? AND id <> ?", orderID, paymentID).
			Update("authoritative", false).Error; err != nil {
			return err
		}
		res := tx.Model(&model.Payment{}).
			Where("order_id = ? AND id = ?", orderID, paymentID).
			Update("authoritative", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return repo.ErrNotFound
		}
		return nil
	})
}
