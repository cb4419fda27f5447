package domain

import (
	"slices"
	"time"
)

// CapsuleStatus 时间胶囊状态
type CapsuleStatus string

const (
	StatusLocked   CapsuleStatus = "locked"
	StatusUnlocked CapsuleStatus = "unlocked"
)

// Capsule 表示一个在解锁时间之后才可读的时间胶囊。
type Capsule struct {
	ID           string        `json:"id"`
	CreatorID    string        `json:"creatorId"`
	RecipientIDs []string      `json:"recipientIds"`
	Title        string        `json:"title"`
	Content      string        `json:"content,omitempty"`
	MediaURLs    []string      `json:"mediaUrls"`
	UnlockDate   time.Time     `json:"unlockDate"`
	IsPublic     bool          `json:"isPublic"`
	Status       CapsuleStatus `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// IsReadyToUnlock 判断在 now 时刻是否已到达解锁时间
func (c *Capsule) IsReadyToUnlock(now time.Time) bool {
	return !now.Before(c.UnlockDate)
}

// TimeGated 判断内容是否仍被时间锁遮挡。
//
// 只看持久化状态是不够的：状态为 locked 且尚未到达解锁时间才算锁定，
// 已到时间但尚未被批量解锁的胶囊视为可读。
func (c *Capsule) TimeGated(now time.Time) bool {
	return c.Status == StatusLocked && now.Before(c.UnlockDate)
}

// HasRecipient 判断用户是否在接收者列表中
func (c *Capsule) HasRecipient(userID string) bool {
	return slices.Contains(c.RecipientIDs, userID)
}

// Clone 返回深拷贝，存储层用它避免调用方篡改内部状态
func (c *Capsule) Clone() *Capsule {
	out := *c
	out.RecipientIDs = slices.Clone(c.RecipientIDs)
	out.MediaURLs = slices.Clone(c.MediaURLs)
	if out.RecipientIDs == nil {
		out.RecipientIDs = []string{}
	}
	if out.MediaURLs == nil {
		out.MediaURLs = []string{}
	}
	return &out
}

// CapsulePatch 描述一次更新，nil 字段表示保持不变。
// 状态、创建者与接收者不在可更新范围内。
type CapsulePatch struct {
	Title      *string
	Content    *string
	UnlockDate *time.Time
	IsPublic   *bool
	MediaURLs  *[]string
}

// IsEmpty 判断补丁是否没有任何字段
func (p CapsulePatch) IsEmpty() bool {
	return p.Title == nil && p.Content == nil && p.UnlockDate == nil &&
		p.IsPublic == nil && p.MediaURLs == nil
}

// Apply 将补丁应用到胶囊上
func (p CapsulePatch) Apply(c *Capsule) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Content != nil {
		c.Content = *p.Content
	}
	if p.UnlockDate != nil {
		c.UnlockDate = p.UnlockDate.UTC()
	}
	if p.IsPublic != nil {
		c.IsPublic = *p.IsPublic
	}
	if p.MediaURLs != nil {
		c.MediaURLs = slices.Clone(*p.MediaURLs)
		if c.MediaURLs == nil {
			c.MediaURLs = []string{}
		}
	}
}

// CapsuleView 是带有引用展开（创建者、接收者）的胶囊视图
type CapsuleView struct {
	Capsule
	Creator       *PublicUser  `json:"creator,omitempty"`
	Recipients    []PublicUser `json:"recipients,omitempty"`
	ContentHidden bool         `json:"contentHidden,omitempty"`
}
