package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gridforce/fleet/internal/core/auth"
	"github.com/gridforce/fleet/internal/core/db"
	"github.com/gridforce/fleet/internal/platform/wsconn"
	"github.com/gridforce/fleet/pkg/protocol"
)

// DocumentStore serves stored telemetry back over HTTP.
type DocumentStore interface {
	Documents(ctx context.Context, index, node string, limit int) ([]db.TelemetryDocument, error)
	Nodes(ctx context.Context) ([]db.Node, error)
}

// Handler returns the HTTP surface of the hub.
func (h *Hub) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /preauth/{uid}", h.handlePreauth)
	mux.HandleFunc("GET /ws/{token}", func(w http.ResponseWriter, r *http.Request) {
		h.handleWebSocket(ctx, w, r)
	})
	mux.HandleFunc("GET /api/nodes", h.handleGetNodes)
	mux.HandleFunc("GET /api/telemetry/{index}", h.handleGetTelemetry)
	if h.staticDir != "" {
		// Provisioning scripts download the provider binary from here.
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(h.staticDir))))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Hub) handlePreauth(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	salt, err := h.auth.IssueChallenge(uid)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"preauth_key": salt})
	case errors.Is(err, auth.ErrPreauthDisabled):
		writeJSON(w, http.StatusOK, map[string]string{"message": "Pre-auth is disabled"})
	case errors.Is(err, auth.ErrUnknownNode):
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Node " + uid + " is not registered"})
	default:
		h.logger.Error("failed to issue preauth challenge", "node", uid, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal error"})
	}
}

// handleWebSocket serves one node or operator connection for its lifetime.
// Connections outlive the request context, so they hang off the server's.
func (h *Hub) handleWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Upgrade(w, r)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	_ = h.Accept(ctx, r.PathValue("token"), conn)
}

type nodeResponse struct {
	UID        string `json:"uid"`
	Online     bool   `json:"online"`
	LastSeen   int64  `json:"last_seen"`
	Generation uint64 `json:"generation,omitempty"`
	IP         string `json:"ip,omitempty"`
	Status     string `json:"status,omitempty"`
}

func (h *Hub) handleGetNodes(w http.ResponseWriter, r *http.Request) {
	live := h.registry.Snapshot()
	byUID := make(map[string]int, len(live))
	nodes := make([]nodeResponse, 0, len(live))
	for _, n := range live {
		byUID[n.UID] = len(nodes)
		nodes = append(nodes, fromInfo(n))
	}

	if h.documents != nil {
		known, err := h.documents.Nodes(r.Context())
		if err != nil {
			h.logger.Error("failed to list nodes", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Database error"})
			return
		}
		for _, n := range known {
			if i, ok := byUID[n.ID]; ok {
				nodes[i].IP = n.IPAddress
				nodes[i].Status = n.Status
				continue
			}
			nodes = append(nodes, nodeResponse{UID: n.ID, LastSeen: n.LastSeen.Unix(), IP: n.IPAddress, Status: n.Status})
		}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func fromInfo(n protocol.NodeInfo) nodeResponse {
	return nodeResponse{UID: n.UID, Online: n.Online, LastSeen: n.LastSeen, Generation: n.Generation}
}

// handleGetTelemetry returns the latest documents of an index, optionally
// for one node.
func (h *Hub) handleGetTelemetry(w http.ResponseWriter, r *http.Request) {
	if h.documents == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Telemetry is not stored on this server"})
		return
	}
	index := r.PathValue("index")
	if !protocol.Known(index) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Unknown index " + index})
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid limit"})
			return
		}
		limit = n
	}

	docs, err := h.documents.Documents(r.Context(), index, r.URL.Query().Get("node"), limit)
	if err != nil {
		h.logger.Error("failed to read telemetry", "index", index, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Database error"})
		return
	}
	out := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		out = append(out, json.RawMessage(d.Document))
	}
	writeJSON(w, http.StatusOK, out)
}
