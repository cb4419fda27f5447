package sql

import (
	"strings"
	"time"

	"timecapsule/backend/internal/domain"
)

// userRecord users 表
type userRecord struct {
	ID            string `gorm:"primaryKey;size:36"`
	Username      string `gorm:"size:50;not null"`
	UsernameLower string `gorm:"size:50;not null;uniqueIndex:idx_users_username_lower"`
	Email         string `gorm:"size:254;not null;uniqueIndex:idx_users_email"`
	PasswordHash  string `gorm:"size:255;not null"`
	Role          string `gorm:"size:16;not null;default:user"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastLoginAt   *time.Time
}

func (userRecord) TableName() string { return "users" }

// capsuleRecord capsules 表，媒体地址以 JSON 文本存储
type capsuleRecord struct {
	ID         string    `gorm:"primaryKey;size:36"`
	CreatorID  string    `gorm:"size:36;not null;index"`
	Title      string    `gorm:"size:200;not null"`
	Content    string    `gorm:"type:text;not null"`
	MediaURLs  []string  `gorm:"column:media_urls;type:text;serializer:json"`
	UnlockDate time.Time `gorm:"not null;index:idx_capsules_status_unlock,priority:2"`
	IsPublic   bool      `gorm:"not null;default:false;index"`
	Status     string    `gorm:"size:16;not null;index:idx_capsules_status_unlock,priority:1"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (capsuleRecord) TableName() string { return "capsules" }

// recipientRecord capsule_recipients 关联表，Position 保留接收者顺序
type recipientRecord struct {
	CapsuleID string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"primaryKey;size:36;index"`
	Position  int    `gorm:"not null"`
}

func (recipientRecord) TableName() string { return "capsule_recipients" }

func toUserRecord(u *domain.User) *userRecord {
	return &userRecord{
		ID:            u.ID,
		Username:      u.Username,
		UsernameLower: strings.ToLower(u.Username),
		Email:         u.Email,
		PasswordHash:  u.PasswordHash,
		Role:          string(u.Role),
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
		LastLoginAt:   u.LastLoginAt,
	}
}

func (r *userRecord) toDomain() *domain.User {
	return &domain.User{
		ID:           r.ID,
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		Role:         domain.UserRole(r.Role),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		LastLoginAt:  r.LastLoginAt,
	}
}

func toCapsuleRecord(c *domain.Capsule) *capsuleRecord {
	media := c.MediaURLs
	if media == nil {
		media = []string{}
	}
	return &capsuleRecord{
		ID:         c.ID,
		CreatorID:  c.CreatorID,
		Title:      c.Title,
		Content:    c.Content,
		MediaURLs:  media,
		UnlockDate: c.UnlockDate.UTC(),
		IsPublic:   c.IsPublic,
		Status:     string(c.Status),
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func (r *capsuleRecord) toDomain(recipients []string) *domain.Capsule {
	c := &domain.Capsule{
		ID:           r.ID,
		CreatorID:    r.CreatorID,
		RecipientIDs: recipients,
		Title:        r.Title,
		Content:      r.Content,
		MediaURLs:    r.MediaURLs,
		UnlockDate:   r.UnlockDate.UTC(),
		IsPublic:     r.IsPublic,
		Status:       domain.CapsuleStatus(r.Status),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	return c.Clone()
}

func toRecipientRecords(capsuleID string, userIDs []string) []recipientRecord {
	records := make([]recipientRecord, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		records = append(records, recipientRecord{
			CapsuleID: capsuleID,
			UserID:    id,
			Position:  len(records),
		})
	}
	return records
}

// patchColumns 将补丁转换为需要更新的列名与记录，updated_at 总是更新
func patchColumns(patch domain.CapsulePatch, now time.Time) ([]string, *capsuleRecord) {
	rec := &capsuleRecord{UpdatedAt: now}
	cols := []string{"updated_at"}

	if patch.Title != nil {
		rec.Title = *patch.Title
		cols = append(cols, "title")
	}
	if patch.Content != nil {
		rec.Content = *patch.Content
		cols = append(cols, "content")
	}
	if patch.UnlockDate != nil {
		rec.UnlockDate = patch.UnlockDate.UTC()
		cols = append(cols, "unlock_date")
	}
	if patch.IsPublic != nil {
		rec.IsPublic = *patch.IsPublic
		cols = append(cols, "is_public")
	}
	if patch.MediaURLs != nil {
		rec.MediaURLs = *patch.MediaURLs
		if rec.MediaURLs == nil {
			rec.MediaURLs = []string{}
		}
		cols = append(cols, "media_urls")
	}
	return cols, rec
}
