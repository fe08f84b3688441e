package repository

import (
	"context"

	"bookstore/internal/domain/model"
)

// 監査ログの保存の約束（閲覧はこのサービスの外）
type AuditLogRepository interface {
	Create(ctx context.Context, log model.AuditLog) error
}
