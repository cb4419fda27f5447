package mongodb

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"timecapsule/backend/internal/domain"
)

// userDoc users 集合文档
type userDoc struct {
	ID            string     `bson:"_id"`
	Username      string     `bson:"username"`
	UsernameLower string     `bson:"username_lower"`
	Email         string     `bson:"email"`
	PasswordHash  string     `bson:"password_hash"`
	Role          string     `bson:"role"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
	LastLoginAt   *time.Time `bson:"last_login_at,omitempty"`
}

// capsuleDoc capsules 集合文档，接收者以数组内嵌
type capsuleDoc struct {
	ID           string    `bson:"_id"`
	CreatorID    string    `bson:"creator_id"`
	RecipientIDs []string  `bson:"recipient_ids"`
	Title        string    `bson:"title"`
	Content      string    `bson:"content"`
	MediaURLs    []string  `bson:"media_urls"`
	UnlockDate   time.Time `bson:"unlock_date"`
	IsPublic     bool      `bson:"is_public"`
	Status       string    `bson:"status"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func toUserDoc(u *domain.User) *userDoc {
	return &userDoc{
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

func (d *userDoc) toDomain() *domain.User {
	u := &domain.User{
		ID:           d.ID,
		Username:     d.Username,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		Role:         domain.UserRole(d.Role),
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
	if d.LastLoginAt != nil {
		at := d.LastLoginAt.UTC()
		u.LastLoginAt = &at
	}
	return u
}

func toCapsuleDoc(c *domain.Capsule) *capsuleDoc {
	clone := c.Clone()
	return &capsuleDoc{
		ID:           clone.ID,
		CreatorID:    clone.CreatorID,
		RecipientIDs: clone.RecipientIDs,
		Title:        clone.Title,
		Content:      clone.Content,
		MediaURLs:    clone.MediaURLs,
		UnlockDate:   clone.UnlockDate.UTC(),
		IsPublic:     clone.IsPublic,
		Status:       string(clone.Status),
		CreatedAt:    clone.CreatedAt,
		UpdatedAt:    clone.UpdatedAt,
	}
}

func (d *capsuleDoc) toDomain() *domain.Capsule {
	c := &domain.Capsule{
		ID:           d.ID,
		CreatorID:    d.CreatorID,
		RecipientIDs: d.RecipientIDs,
		Title:        d.Title,
		Content:      d.Content,
		MediaURLs:    d.MediaURLs,
		UnlockDate:   d.UnlockDate.UTC(),
		IsPublic:     d.IsPublic,
		Status:       domain.CapsuleStatus(d.Status),
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
	return c.Clone()
}

// patchSet 将补丁转换为 $set 文档
func patchSet(patch domain.CapsulePatch, now time.Time) bson.D {
	set := bson.D{{Key: "updated_at", Value: now}}
	if patch.Title != nil {
		set = append(set, bson.E{Key: "title", Value: *patch.Title})
	}
	if patch.Content != nil {
		set = append(set, bson.E{Key: "content", Value: *patch.Content})
	}
	if patch.UnlockDate != nil {
		set = append(set, bson.E{Key: "unlock_date", Value: patch.UnlockDate.UTC()})
	}
	if patch.IsPublic != nil {
		set = append(set, bson.E{Key: "is_public", Value: *patch.IsPublic})
	}
	if patch.MediaURLs != nil {
		media := *patch.MediaURLs
		if media == nil {
			media = []string{}
		}
		set = append(set, bson.E{Key: "media_urls", Value: media})
	}
	return set
}

// dedupe 去重并保留首次出现的顺序
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
