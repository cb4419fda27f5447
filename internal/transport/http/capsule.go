package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/middleware"
	"timecapsule/backend/internal/service"
)

// CapsuleHandler 处理时间胶囊相关的 HTTP 请求
type CapsuleHandler struct {
	capsules *service.CapsuleService
	log      *zap.Logger
}

// NewCapsuleHandler 创建胶囊处理器
func NewCapsuleHandler(capsules *service.CapsuleService, log *zap.Logger) *CapsuleHandler {
	return &CapsuleHandler{capsules: capsules, log: log}
}

// createCapsuleRequest 不含 status 与 recipients，客户端无法在创建时指定
type createCapsuleRequest struct {
	Title      string   `json:"title" binding:"required"`
	Content    string   `json:"content" binding:"required"`
	UnlockDate string   `json:"unlockDate" binding:"required"`
	IsPublic   bool     `json:"isPublic"`
	MediaURLs  []string `json:"mediaUrls"`
}

type updateCapsuleRequest struct {
	Title      *string   `json:"title"`
	Content    *string   `json:"content"`
	UnlockDate *string   `json:"unlockDate"`
	IsPublic   *bool     `json:"isPublic"`
	MediaURLs  *[]string `json:"mediaUrls"`
}

type sendCapsuleRequest struct {
	CapsuleID       string   `json:"capsuleId" binding:"required"`
	RecipientEmails []string `json:"recipientEmails" binding:"required"`
}

type sweepResponse struct {
	Unlocked  int64     `json:"unlocked"`
	CheckedAt time.Time `json:"checkedAt"`
}

func parseUnlockDate(raw string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// callerID 读取认证中间件写入的调用者，缺失时直接返回 401
func callerID(c *gin.Context) (string, bool) {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return "", false
	}
	return caller.UserID, true
}

// Create 创建时间胶囊
// @Summary 创建时间胶囊
// @Tags 胶囊
// @Security BearerAuth
// @Param request body createCapsuleRequest true "胶囊内容"
// @Router /v1/capsules [post]
func (h *CapsuleHandler) Create(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}

	var req createCapsuleRequest
	if !bindJSON(c, &req) {
		return
	}
	unlockDate, ok := parseUnlockDate(req.UnlockDate)
	if !ok {
		BadRequest(c, MsgInvalidUnlockDate)
		return
	}

	capsule, err := h.capsules.Create(c.Request.Context(), service.CreateCapsuleInput{
		Title:      req.Title,
		Content:    req.Content,
		UnlockDate: unlockDate,
		IsPublic:   req.IsPublic,
		MediaURLs:  req.MediaURLs,
	}, uid)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	Created(c, capsule)
}

// ListMine 返回调用者创建或接收的胶囊
// @Router /v1/capsules/my-capsules [get]
func (h *CapsuleHandler) ListMine(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}

	views, err := h.capsules.ListForUser(c.Request.Context(), uid)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, views)
}

// ListPublic 返回公开胶囊
// @Router /v1/capsules/public [get]
func (h *CapsuleHandler) ListPublic(c *gin.Context) {
	views, err := h.capsules.ListPublic(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, views)
}

// Get 读取单个胶囊，未到解锁时间返回 423
// @Router /v1/capsules/{id} [get]
func (h *CapsuleHandler) Get(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}

	view, err := h.capsules.Get(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, view)
}

// Update 创建者在解锁前修改胶囊
// @Router /v1/capsules/{id} [put]
func (h *CapsuleHandler) Update(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}

	var req updateCapsuleRequest
	if !bindJSON(c, &req) {
		return
	}

	patch := domain.CapsulePatch{
		Title:     req.Title,
		Content:   req.Content,
		IsPublic:  req.IsPublic,
		MediaURLs: req.MediaURLs,
	}
	if req.UnlockDate != nil {
		unlockDate, ok := parseUnlockDate(*req.UnlockDate)
		if !ok {
			BadRequest(c, MsgInvalidUnlockDate)
			return
		}
		patch.UnlockDate = &unlockDate
	}

	capsule, err := h.capsules.Update(c.Request.Context(), c.Param("id"), uid, patch)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if patch.IsEmpty() {
		SuccessWithMsg(c, MsgCapsuleUnchanged, capsule)
		return
	}
	Success(c, capsule)
}

// Delete 创建者在解锁前删除胶囊
// @Router /v1/capsules/{id} [delete]
func (h *CapsuleHandler) Delete(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}

	if err := h.capsules.Delete(c.Request.Context(), c.Param("id"), uid); err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, MsgCapsuleDeleted, nil)
}

// Send 设置接收者并重新锁定胶囊
// @Router /v1/capsules/send [post]
func (h *CapsuleHandler) Send(c *gin.Context) {
	uid, ok := callerID(c)
	if !ok {
		return
	}

	var req sendCapsuleRequest
	if !bindJSON(c, &req) {
		return
	}

	capsule, err := h.capsules.Send(c.Request.Context(), req.CapsuleID, req.RecipientEmails, uid)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, MsgCapsuleSent, capsule)
}

// CheckStatus 手动触发解锁扫描，仅管理员可用
// @Router /v1/capsules/check-status [post]
func (h *CapsuleHandler) CheckStatus(c *gin.Context) {
	count, err := h.capsules.SweepStatusTransitions(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, MsgSweepCompleted, sweepResponse{
		Unlocked:  count,
		CheckedAt: time.Now().UTC(),
	})
}
