package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/balloonfs/balloon/internal/logger"
	"github.com/balloonfs/balloon/pkg/fs"
	"github.com/balloonfs/balloon/pkg/storage"
	"github.com/balloonfs/balloon/pkg/vfs"
)

// ContentHandler serves file content: staged uploads, downloads and version
// restores.
//
// Uploads are chunked: the client opens a session, streams chunks, then
// finalizes against a file node. The scope query parameter names the node
// whose storage backend stages the session; it must match at finalize time.
type ContentHandler struct {
	fs *vfs.Service
}

// NewContentHandler creates a content handler backed by the given service.
func NewContentHandler(fs *vfs.Service) *ContentHandler {
	return &ContentHandler{fs: fs}
}

// OpenUpload handles POST /fs/uploads?scope={nodeID}.
func (h *ContentHandler) OpenUpload(w http.ResponseWriter, r *http.Request) {
	if _, ok := userOf(w, r); !ok {
		return
	}

	scope := fs.NodeID(r.URL.Query().Get("scope"))
	if scope == "" {
		ErrorMessage(w, http.StatusBadRequest, "scope query parameter required")
		return
	}

	session, err := h.fs.NewUpload(r.Context(), scope)
	if err != nil {
		Error(w, err)
		return
	}
	Created(w, map[string]string{"session": string(session)})
}

// WriteChunk handles PUT /fs/uploads/{session}?scope={nodeID}. The request
// body is one chunk; chunks append in request order.
func (h *ContentHandler) WriteChunk(w http.ResponseWriter, r *http.Request) {
	if _, ok := userOf(w, r); !ok {
		return
	}

	scope := fs.NodeID(r.URL.Query().Get("scope"))
	session := storage.SessionID(chi.URLParam(r, "session"))

	written, err := h.fs.WriteUploadChunk(r.Context(), scope, session, r.Body)
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, map[string]int64{"written": written})
}

// AbortUpload handles DELETE /fs/uploads/{session}?scope={nodeID}.
func (h *ContentHandler) AbortUpload(w http.ResponseWriter, r *http.Request) {
	if _, ok := userOf(w, r); !ok {
		return
	}

	scope := fs.NodeID(r.URL.Query().Get("scope"))
	session := storage.SessionID(chi.URLParam(r, "session"))

	if err := h.fs.AbortUpload(r.Context(), scope, session); err != nil {
		Error(w, err)
		return
	}
	OK(w, nil)
}

type setContentRequest struct {
	Session string `json:"session"`
	Mime    string `json:"mime,omitempty"`
}

// SetContent handles POST /fs/nodes/{id}/content: finalizes a staged upload
// into a new file version.
func (h *ContentHandler) SetContent(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	var req setContentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Session == "" {
		ErrorMessage(w, http.StatusBadRequest, "session is required")
		return
	}

	node, err := h.fs.SetContent(r.Context(), user.ID,
		fs.NodeID(chi.URLParam(r, "id")),
		storage.SessionID(req.Session),
		req.Mime, clientContext(r))
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, node)
}

// Download handles GET /fs/nodes/{id}/content: streams the current version.
func (h *ContentHandler) Download(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	rc, node, err := h.fs.OpenRead(r.Context(), user.ID, fs.NodeID(chi.URLParam(r, "id")))
	if err != nil {
		Error(w, err)
		return
	}
	defer rc.Close()

	if node.Mime != "" {
		w.Header().Set("Content-Type", node.Mime)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", strconv.FormatInt(node.Size, 10))
	w.Header().Set("ETag", `"`+node.Hash+`"`)

	if _, err := io.Copy(w, rc); err != nil {
		// Headers are out; nothing to send but a log line.
		logger.WarnCtx(r.Context(), "Content download interrupted",
			logger.KeyNode, string(node.ID),
			logger.KeyError, err.Error())
	}
}

type restoreRequest struct {
	Version int `json:"version"`
}

// Restore handles POST /fs/nodes/{id}/restore: re-promotes a historic
// version as a new head version.
func (h *ContentHandler) Restore(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	var req restoreRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	node, err := h.fs.RestoreVersion(r.Context(), user.ID,
		fs.NodeID(chi.URLParam(r, "id")), req.Version, clientContext(r))
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, node)
}
