package api

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/meshauth/internal/audit"
	"github.com/spf13/cast"
)

type AuditHandler struct {
	auditService AuditService
}

func queryTime(ctx *fiber.Ctx, key string) (time.Time, error) {
	value := ctx.Query(key)
	if value == "" {
		return time.Time{}, nil
	}
	t, err := cast.ToTimeE(value)
	if err != nil {
		return time.Time{}, fiber.NewError(fiber.StatusBadRequest, "Invalid "+key+" parameter")
	}
	return t, nil
}

func (h *AuditHandler) GetAudit(ctx *fiber.Ctx) error {
	filter := audit.Filter{
		Action: ctx.Query("action"),
		Limit:  cast.ToInt(ctx.Query("limit")),
		Offset: cast.ToInt(ctx.Query("offset")),
	}
	if v := ctx.Query("userId"); v != "" {
		userID, err := cast.ToUintE(v)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, MsgInvalidUserID)
		}
		filter.UserID = &userID
	}
	var err error
	if filter.Since, err = queryTime(ctx, "since"); err != nil {
		return err
	}
	if filter.Until, err = queryTime(ctx, "until"); err != nil {
		return err
	}

	entries, total, err := h.auditService.Query(ctx.UserContext(), filter)
	if err != nil {
		return err
	}
	resp := auditQueryResponse{Entries: make([]auditEntryResponse, 0, len(entries)), Total: total}
	for _, e := range entries {
		entry := auditEntryResponse{
			ID:        e.ID,
			UserID:    e.UserID,
			Action:    e.Action,
			Resource:  e.Resource,
			IPAddress: e.IPAddress,
			Timestamp: e.Timestamp,
		}
		if e.Details != "" && json.Valid([]byte(e.Details)) {
			entry.Details = json.RawMessage(e.Details)
		}
		resp.Entries = append(resp.Entries, entry)
	}
	return ctx.JSON(NewDataResponse(resp))
}

func NewAuditHandler(auditService AuditService) *AuditHandler {
	return &AuditHandler{auditService: auditService}
}
