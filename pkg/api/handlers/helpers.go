package handlers

import (
	"encoding/json"
	"net"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/balloonfs/balloon/pkg/api/middleware"
	"github.com/balloonfs/balloon/pkg/fs"
	"github.com/balloonfs/balloon/pkg/identity"
)

// decodeJSONBody decodes a JSON request body into the provided pointer.
// Returns true if successful; a 400 is written on failure.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		ErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// userOf returns the authenticated user, writing a 401 when absent. The
// Identity middleware guarantees presence on mounted routes; the check guards
// against wiring mistakes.
func userOf(w http.ResponseWriter, r *http.Request) (*identity.User, bool) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		ErrorMessage(w, http.StatusUnauthorized, "Authentication required")
		return nil, false
	}
	return user, true
}

// clientContext builds the per-request client metadata handed to the
// factories. Constructed once here at the boundary, never reconstructed from
// ambient state deeper in.
func clientContext(r *http.Request) fs.ClientContext {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return fs.ClientContext{
		SessionID: r.Header.Get("X-Session-ID"),
		RequestID: chimiddleware.GetReqID(r.Context()),
		UserAgent: r.UserAgent(),
		ClientIP:  ip,
	}
}

// conflictPolicyOf parses the wire form of a conflict policy. Empty input
// means NoAction.
func conflictPolicyOf(raw string) (fs.ConflictPolicy, bool) {
	switch raw {
	case "", "noaction":
		return fs.ConflictNoAction, true
	case "rename":
		return fs.ConflictRename, true
	case "merge":
		return fs.ConflictMerge, true
	default:
		return 0, false
	}
}

// deletedPolicyOf parses the wire form of a copy deleted-nodes policy.
func deletedPolicyOf(raw string) (fs.DeletedPolicy, bool) {
	switch raw {
	case "", "exclude":
		return fs.DeletedExclude, true
	case "include":
		return fs.DeletedInclude, true
	default:
		return 0, false
	}
}

// kindOf parses the wire form of a node kind.
func kindOf(raw string) (fs.NodeKind, bool) {
	switch raw {
	case "collection":
		return fs.KindCollection, true
	case "file":
		return fs.KindFile, true
	default:
		return 0, false
	}
}
