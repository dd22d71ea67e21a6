package handlers

import (
	"net/http"
	"strconv"

	"github.com/balloonfs/balloon/pkg/delta"
	"github.com/balloonfs/balloon/pkg/fs"
	"github.com/balloonfs/balloon/pkg/quota"
)

// SyncHandler serves the delta-sync feed and quota usage.
type SyncHandler struct {
	log   *delta.Log
	quota *quota.Manager
}

// NewSyncHandler creates a sync handler over the delta log and quota manager.
func NewSyncHandler(log *delta.Log, quota *quota.Manager) *SyncHandler {
	return &SyncHandler{log: log, quota: quota}
}

// Feed handles GET /sync/delta?cursor=&limit=&scope=.
//
// With no cursor the response is the first page of a full snapshot. An
// unusable cursor never fails the request; the feed degrades to a snapshot
// with reset=true so clients always converge.
func (h *SyncHandler) Feed(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			ErrorMessage(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	page, err := h.log.Feed(r.Context(), user, q.Get("cursor"), limit, fs.NodeID(q.Get("scope")))
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, page)
}

// Cursor handles GET /sync/cursor: a cursor at the current head of the log,
// for clients that start from a snapshot obtained out of band.
func (h *SyncHandler) Cursor(w http.ResponseWriter, r *http.Request) {
	if _, ok := userOf(w, r); !ok {
		return
	}

	cursor, err := h.log.LastCursor(r.Context())
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, map[string]string{"cursor": cursor})
}

// Quota handles GET /sync/quota: the caller's usage against the limits.
func (h *SyncHandler) Quota(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	usage, err := h.quota.UsageOf(r.Context(), user.ID)
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, map[string]any{
		"used":          usage.Used,
		"hard":          usage.Hard,
		"soft":          usage.Soft,
		"soft_exceeded": usage.SoftExceeded(),
		"hard_exceeded": usage.HardExceeded(),
	})
}
