package streaminghttp

import (
	"net/http"
	"time"

	"github.com/ggoodman/mcp-hub-go/acl"
)

type healthResponse struct {
	Status                  string    `json:"status"`
	Timestamp               time.Time `json:"timestamp"`
	Version                 string    `json:"version"`
	UptimeSeconds           int64     `json:"uptimeSeconds"`
	RegisteredProviderCount int       `json:"registeredProviderCount"`
	ActiveSessionCount      int       `json:"activeSessionCount"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:                  "ok",
		Timestamp:               now.UTC(),
		Version:                 h.version,
		UptimeSeconds:           int64(now.Sub(h.started) / time.Second),
		RegisteredProviderCount: h.providers.Len(),
		ActiveSessionCount:      h.table.Len(),
	})
}

type providerEntry struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	Version        string `json:"version"`
	Enabled        bool   `json:"enabled"`
	Status         string `json:"status"`
	DisabledReason string `json:"disabledReason,omitempty"`
}

type providerListResponse struct {
	Total     int             `json:"total"`
	Providers []providerEntry `json:"providers"`
}

func (h *Handler) handleListProviders(w http.ResponseWriter, r *http.Request) {
	list := h.providers.List()
	resp := providerListResponse{Total: len(list), Providers: make([]providerEntry, 0, len(list))}
	for _, p := range list {
		version := p.Version
		if version == "" {
			version = h.version
		}
		status := "stopped"
		if p.Enabled {
			status = "running"
		}
		resp.Providers = append(resp.Providers, providerEntry{
			Name:           p.Name,
			Description:    p.Description,
			Version:        version,
			Enabled:        p.Enabled,
			Status:         status,
			DisabledReason: p.DisabledReason,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type identityEntry struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
	Level       acl.Level `json:"level"`
	BoundAt     time.Time `json:"boundAt"`
}

type connectionEntry struct {
	ID           string         `json:"id"`
	Provider     string         `json:"provider"`
	ConnectedAt  time.Time      `json:"connectedAt"`
	LastActiveAt time.Time      `json:"lastActiveAt"`
	Identity     *identityEntry `json:"identity,omitempty"`
}

type connectionsResponse struct {
	Total       int               `json:"total"`
	Connections []connectionEntry `json:"connections"`
}

// handleConnections lists live sessions. A session id is a bearer
// credential for its session, so ids are shortened and, with an
// authenticator configured, the listing requires credentials.
func (h *Handler) handleConnections(w http.ResponseWriter, r *http.Request) {
	if h.auth != nil && h.authenticate(r.Context(), w, r) == nil {
		return
	}
	snap := h.table.Snapshot()
	resp := connectionsResponse{Total: len(snap), Connections: make([]connectionEntry, 0, len(snap))}
	for _, s := range snap {
		e := connectionEntry{
			ID:           shortID(s.ID),
			Provider:     s.Provider,
			ConnectedAt:  s.ConnectedAt.UTC(),
			LastActiveAt: s.LastActiveAt.UTC(),
		}
		if s.Identity != nil {
			e.Identity = &identityEntry{
				Username:    s.Identity.Username,
				DisplayName: s.Identity.DisplayName,
				Level:       s.Identity.Level,
				BoundAt:     s.Identity.BoundAt.UTC(),
			}
		}
		resp.Connections = append(resp.Connections, e)
	}
	writeJSON(w, http.StatusOK, resp)
}

// shortID keeps enough of a session id to correlate it with logs.
func shortID(id string) string {
	const keep = 8
	if len(id) <= keep {
		return id
	}
	return id[:keep] + "..."
}
