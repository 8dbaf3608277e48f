package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"soundslice/core/settlement"
	"soundslice/logger"
	"soundslice/model"

	"github.com/gorilla/mux"
)

// reuseRequest POST /api/tracks/{id}/reuse 请求体，单位为秒
type reuseRequest struct {
	Start   *float64 `json:"start"`
	End     *float64 `json:"end"`
	Percent *int     `json:"percent,omitempty"`
}

// reuseView 复用记录快照；终结后请求者会拿到片段 grant
type reuseView struct {
	*model.ReuseRecord
	SnippetURL   string `json:"snippetUrl,omitempty"`
	SnippetGrant string `json:"snippetGrant,omitempty"`
}

func (h *APIHandler) newReuseView(rec *model.ReuseRecord, viewerID string) reuseView {
	view := reuseView{ReuseRecord: rec}
	if rec.Status != model.ReuseStatusFinalized || rec.SnippetContentRef == "" || rec.RequesterID != viewerID {
		return view
	}
	grant, err := h.auth.IssueGrant(rec.SnippetContentRef, viewerID)
	if err != nil {
		logger.Warn("issue snippet grant failed", logger.RecordID(rec.ID), logger.ErrorField(err))
		return view
	}
	view.SnippetURL = "/api/snippets/" + rec.SnippetContentRef
	view.SnippetGrant = grant
	return view
}

// settleStatus 终结返回 200，仍在处理返回 202
func settleStatus(rec *model.ReuseRecord) int {
	if rec.Status.IsTerminal() {
		return http.StatusOK
	}
	return http.StatusAccepted
}

// settleContext 限制请求同步等待结算的时长，超时后结算在后台继续
func (h *APIHandler) settleContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.cfg.SettleWait <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.cfg.SettleWait)
}

// CreateReuseHandler 对音轨的一个区间发起复用结算
func (h *APIHandler) CreateReuseHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req reuseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Start == nil || req.End == nil {
		writeError(w, http.StatusBadRequest, "start and end are required")
		return
	}

	ctx, cancel := h.settleContext(r)
	defer cancel()

	rec, err := h.engine.Settle(ctx, settlement.Request{
		TrackID:          mux.Vars(r)["id"],
		RequesterID:      userID,
		StartSec:         *req.Start,
		EndSec:           *req.End,
		RequestedPercent: req.Percent,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, settleStatus(rec), h.newReuseView(rec, userID))
}

// GetReuseHandler 查询复用记录，仅请求者和原曲所有者可见
func (h *APIHandler) GetReuseHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	rec, err := h.visibleRecord(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.newReuseView(rec, userID))
}

// visibleRecord 读取快照并校验查看权限
func (h *APIHandler) visibleRecord(ctx context.Context, id, userID string) (*model.ReuseRecord, error) {
	rec, err := h.engine.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.RequesterID == userID {
		return rec, nil
	}
	track, err := h.tracks.GetByID(ctx, rec.OriginalTrackID)
	if err != nil {
		return nil, err
	}
	if track != nil && track.OwnerID == userID {
		return rec, nil
	}
	return nil, settlement.ErrForbidden
}

// ListMyReusesHandler 列出当前用户发起的复用记录
func (h *APIHandler) ListMyReusesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	recs, err := h.reuses.ListByRequester(r.Context(), userID, limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	views := make([]reuseView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, h.newReuseView(rec, userID))
	}
	writeJSON(w, http.StatusOK, views)
}

// ResubmitReuseHandler 重新提交失败的复用记录
func (h *APIHandler) ResubmitReuseHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	ctx, cancel := h.settleContext(r)
	defer cancel()

	rec, err := h.engine.Resubmit(ctx, mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, settleStatus(rec), h.newReuseView(rec, userID))
}
