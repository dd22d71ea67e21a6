package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/balloonfs/balloon/pkg/acl"
	"github.com/balloonfs/balloon/pkg/fs"
	"github.com/balloonfs/balloon/pkg/scheduler"
	"github.com/balloonfs/balloon/pkg/vfs"
)

// NodeHandler serves the node tree: creation, lookup, attribute updates,
// moves, copies and deletion.
type NodeHandler struct {
	fs   *vfs.Service
	jobs *scheduler.Scheduler
}

// NewNodeHandler creates a node handler backed by the given service.
func NewNodeHandler(fs *vfs.Service, jobs *scheduler.Scheduler) *NodeHandler {
	return &NodeHandler{fs: fs, jobs: jobs}
}

// asyncResult is the response body for operations that may go async.
type asyncResult struct {
	Node *fs.Node `json:"node,omitempty"`
	Job  string   `json:"job,omitempty"`
}

// Root handles GET /fs/root. The root collection is created on first access.
func (h *NodeHandler) Root(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	root, err := h.fs.Root(r.Context(), user.ID)
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, root)
}

// Get handles GET /fs/nodes/{id}.
func (h *NodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	node, err := h.fs.Stat(r.Context(), user.ID, fs.NodeID(chi.URLParam(r, "id")))
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, node)
}

// Children handles GET /fs/nodes/{id}/children.
func (h *NodeHandler) Children(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	children, err := h.fs.Children(r.Context(), user.ID, fs.NodeID(chi.URLParam(r, "id")))
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, children)
}

// Trash handles GET /fs/trash: the caller's soft-deleted subtree roots.
func (h *NodeHandler) Trash(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	nodes, err := h.fs.Trash(r.Context(), user.ID)
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, nodes)
}

type addNodeRequest struct {
	Parent string              `json:"parent"`
	Kind   string              `json:"kind"`
	Name   string              `json:"name"`
	Policy string              `json:"policy,omitempty"`
	Meta   map[string]string   `json:"meta,omitempty"`
	Filter string              `json:"filter,omitempty"`
	Mount  *fs.MountDescriptor `json:"mount,omitempty"`
}

// Add handles POST /fs/nodes.
func (h *NodeHandler) Add(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	var req addNodeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	kind, ok := kindOf(req.Kind)
	if !ok {
		ErrorMessage(w, http.StatusBadRequest, "kind must be collection or file")
		return
	}
	policy, ok := conflictPolicyOf(req.Policy)
	if !ok {
		ErrorMessage(w, http.StatusBadRequest, "unknown conflict policy")
		return
	}

	node, err := h.fs.Add(r.Context(), vfs.AddRequest{
		User:   user.ID,
		Client: clientContext(r),
		Parent: fs.NodeID(req.Parent),
		Kind:   kind,
		Name:   req.Name,
		Policy: policy,
		Meta:   req.Meta,
		Filter: req.Filter,
		Mount:  req.Mount,
	})
	if err != nil {
		Error(w, err)
		return
	}
	Created(w, node)
}

// Update handles PATCH /fs/nodes/{id}. The body is the attribute diff; the
// whitelist of accepted keys lives in the factory, not here.
func (h *NodeHandler) Update(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	var changes map[string]any
	if !decodeJSONBody(w, r, &changes) {
		return
	}

	res, err := h.fs.Update(r.Context(), user.ID, fs.NodeID(chi.URLParam(r, "id")), changes, clientContext(r))
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, asyncResult{Node: res.Node, Job: string(res.Job)})
}

// Delete handles DELETE /fs/nodes/{id}. The force query parameter selects
// permanent removal over the trash.
func (h *NodeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	force := r.URL.Query().Get("force") == "true"
	res, err := h.fs.DeleteOne(r.Context(), user.ID, fs.NodeID(chi.URLParam(r, "id")), force, clientContext(r))
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, asyncResult{Node: res.Node, Job: string(res.Job)})
}

// Undelete handles POST /fs/nodes/{id}/undelete.
func (h *NodeHandler) Undelete(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	node, err := h.fs.Undelete(r.Context(), user.ID, fs.NodeID(chi.URLParam(r, "id")), clientContext(r))
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, node)
}

type moveRequest struct {
	Parent string `json:"parent"`
	Policy string `json:"policy,omitempty"`
}

// Move handles POST /fs/nodes/{id}/move.
func (h *NodeHandler) Move(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	var req moveRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	policy, ok := conflictPolicyOf(req.Policy)
	if !ok {
		ErrorMessage(w, http.StatusBadRequest, "unknown conflict policy")
		return
	}

	res, err := h.fs.MoveTo(r.Context(), user.ID, fs.NodeID(chi.URLParam(r, "id")), fs.NodeID(req.Parent), policy, clientContext(r))
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, asyncResult{Node: res.Node, Job: string(res.Job)})
}

type copyRequest struct {
	Parent  string `json:"parent"`
	Policy  string `json:"policy,omitempty"`
	Deleted string `json:"deleted,omitempty"`
}

// Copy handles POST /fs/nodes/{id}/copy.
func (h *NodeHandler) Copy(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	var req copyRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	policy, ok := conflictPolicyOf(req.Policy)
	if !ok {
		ErrorMessage(w, http.StatusBadRequest, "unknown conflict policy")
		return
	}
	deleted, ok := deletedPolicyOf(req.Deleted)
	if !ok {
		ErrorMessage(w, http.StatusBadRequest, "deleted must be exclude or include")
		return
	}

	node, err := h.fs.CopyTo(r.Context(), user.ID, fs.NodeID(chi.URLParam(r, "id")), fs.NodeID(req.Parent), policy, deleted, clientContext(r))
	if err != nil {
		Error(w, err)
		return
	}
	Created(w, node)
}

type shareRequest struct {
	Rules     []acl.Rule `json:"rules"`
	ShareName string     `json:"share_name,omitempty"`
}

// Share handles POST /fs/nodes/{id}/share.
func (h *NodeHandler) Share(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	var req shareRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	node, err := h.fs.Share(r.Context(), user.ID, fs.NodeID(chi.URLParam(r, "id")), req.Rules, req.ShareName, clientContext(r))
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, node)
}

// Unshare handles DELETE /fs/nodes/{id}/share.
func (h *NodeHandler) Unshare(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}

	node, err := h.fs.Unshare(r.Context(), user.ID, fs.NodeID(chi.URLParam(r, "id")), clientContext(r))
	if err != nil {
		Error(w, err)
		return
	}
	OK(w, node)
}

// Job handles GET /fs/jobs/{handle}: the state of a deferred subtree job.
func (h *NodeHandler) Job(w http.ResponseWriter, r *http.Request) {
	if _, ok := userOf(w, r); !ok {
		return
	}

	state := h.jobs.Status(scheduler.Handle(chi.URLParam(r, "handle")))
	if state == nil {
		ErrorMessage(w, http.StatusNotFound, "job not found")
		return
	}
	OK(w, map[string]any{
		"handle":   string(state.Handle),
		"type":     string(state.Type),
		"status":   state.Status.String(),
		"error":    state.Error,
		"queued":   state.Queued,
		"finished": state.Finished,
	})
}
