package sql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/storage"
)

// ========== Capsule Repository ==========

// CreateCapsule 保存新胶囊及其接收者
func (s *Store) CreateCapsule(ctx context.Context, capsule *domain.Capsule) error {
	now := s.now()
	capsule.CreatedAt = now
	capsule.UpdatedAt = now

	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(toCapsuleRecord(capsule)).Error; err != nil {
			return err
		}
		if recipients := toRecipientRecords(capsule.ID, capsule.RecipientIDs); len(recipients) > 0 {
			return tx.Create(&recipients).Error
		}
		return nil
	})
	return translateError("create capsule", err)
}

// GetCapsule 根据ID获取胶囊
func (s *Store) GetCapsule(ctx context.Context, id string) (*domain.Capsule, error) {
	capsule, err := s.getCapsule(s.gormDB.WithContext(ctx), id)
	if err != nil {
		if errors.Is(err, storage.ErrCapsuleNotFound) {
			return nil, err
		}
		return nil, translateError("get capsule", err)
	}
	return capsule, nil
}

func (s *Store) getCapsule(tx *gorm.DB, id string) (*domain.Capsule, error) {
	var rec capsuleRecord
	if err := tx.Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrCapsuleNotFound
		}
		return nil, err
	}

	recipients, err := s.loadRecipients(tx, []string{id})
	if err != nil {
		return nil, err
	}
	return rec.toDomain(recipients[id]), nil
}

// loadRecipients 一次查询多个胶囊的接收者，按 Position 排序
func (s *Store) loadRecipients(tx *gorm.DB, capsuleIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(capsuleIDs))
	if len(capsuleIDs) == 0 {
		return out, nil
	}

	var rows []recipientRecord
	err := tx.Where("capsule_id IN ?", capsuleIDs).
		Order("capsule_id, position").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.CapsuleID] = append(out[r.CapsuleID], r.UserID)
	}
	return out, nil
}

// ListCapsulesByMember 返回用户创建或接收的全部胶囊
func (s *Store) ListCapsulesByMember(ctx context.Context, userID string) ([]*domain.Capsule, error) {
	db := s.gormDB.WithContext(ctx)
	received := db.Model(&recipientRecord{}).Select("capsule_id").Where("user_id = ?", userID)
	return s.listCapsules(db, "list member capsules",
		db.Where("creator_id = ?", userID).Or("id IN (?)", received))
}

// ListPublicCapsules 返回全部公开胶囊
func (s *Store) ListPublicCapsules(ctx context.Context) ([]*domain.Capsule, error) {
	db := s.gormDB.WithContext(ctx)
	return s.listCapsules(db, "list public capsules", db.Where("is_public = ?", true))
}

func (s *Store) listCapsules(db *gorm.DB, op string, cond *gorm.DB) ([]*domain.Capsule, error) {
	var records []capsuleRecord
	if err := db.Where(cond).Order("unlock_date ASC, id ASC").Find(&records).Error; err != nil {
		return nil, translateError(op, err)
	}

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	recipients, err := s.loadRecipients(db, ids)
	if err != nil {
		return nil, translateError(op, err)
	}

	out := make([]*domain.Capsule, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain(recipients[records[i].ID]))
	}
	return out, nil
}

// UpdateLockedCapsule 条件更新胶囊，WHERE 子句带 status 保证与批量解锁互斥
func (s *Store) UpdateLockedCapsule(ctx context.Context, id string, patch domain.CapsulePatch) (*domain.Capsule, error) {
	var updated *domain.Capsule
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cols, rec := patchColumns(patch, s.now())
		result := tx.Model(&capsuleRecord{}).
			Where("id = ? AND status = ?", id, string(domain.StatusLocked)).
			Select(cols).
			Updates(rec)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return s.missOrNotLocked(tx, id)
		}

		var err error
		updated, err = s.getCapsule(tx, id)
		return err
	})
	if err != nil {
		return nil, passOrTranslate("update capsule", err)
	}
	return updated, nil
}

// DeleteLockedCapsule 条件删除胶囊
func (s *Store) DeleteLockedCapsule(ctx context.Context, id string) error {
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND status = ?", id, string(domain.StatusLocked)).Delete(&capsuleRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return s.missOrNotLocked(tx, id)
		}
		return tx.Where("capsule_id = ?", id).Delete(&recipientRecord{}).Error
	})
	return passOrTranslate("delete capsule", err)
}

// ReplaceRecipients 整体替换接收者并重置为 locked
func (s *Store) ReplaceRecipients(ctx context.Context, id string, recipientIDs []string) (*domain.Capsule, error) {
	var updated *domain.Capsule
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&capsuleRecord{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":     string(domain.StatusLocked),
				"updated_at": s.now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrCapsuleNotFound
		}

		if err := tx.Where("capsule_id = ?", id).Delete(&recipientRecord{}).Error; err != nil {
			return err
		}
		if recipients := toRecipientRecords(id, recipientIDs); len(recipients) > 0 {
			if err := tx.Create(&recipients).Error; err != nil {
				return err
			}
		}

		var err error
		updated, err = s.getCapsule(tx, id)
		return err
	})
	if err != nil {
		return nil, passOrTranslate("replace recipients", err)
	}
	return updated, nil
}

// UnlockDue 批量解锁到期胶囊，单条 UPDATE 保证原子性
func (s *Store) UnlockDue(ctx context.Context, now time.Time) (int64, error) {
	result := s.gormDB.WithContext(ctx).
		Model(&capsuleRecord{}).
		Where("status = ? AND unlock_date <= ?", string(domain.StatusLocked), now.UTC()).
		Updates(map[string]any{
			"status":     string(domain.StatusUnlocked),
			"updated_at": s.now(),
		})
	if result.Error != nil {
		return 0, translateError("unlock due capsules", result.Error)
	}
	return result.RowsAffected, nil
}

// missOrNotLocked 条件写入未命中时区分胶囊不存在与已解锁
func (s *Store) missOrNotLocked(tx *gorm.DB, id string) error {
	var count int64
	if err := tx.Model(&capsuleRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return storage.ErrCapsuleNotFound
	}
	return storage.ErrNotLocked
}

// passOrTranslate 存储层哨兵错误原样返回，其余错误归类
func passOrTranslate(op string, err error) error {
	if err == nil ||
		errors.Is(err, storage.ErrCapsuleNotFound) ||
		errors.Is(err, storage.ErrNotLocked) {
		return err
	}
	return translateError(op, err)
}
