/*
Copyright 2024 Netprobe Labs

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package web exposes the HTTP control surface: node registration and
// heartbeats, admin token management, the node websocket endpoint, the
// diagnostics API and metrics.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/netprobe/netprobe"
	"github.com/netprobe/netprobe/api/types"
	"github.com/netprobe/netprobe/lib/admission"
	"github.com/netprobe/netprobe/lib/fabric"
	"github.com/netprobe/netprobe/lib/httplib"
	"github.com/netprobe/netprobe/lib/identity"
	"github.com/netprobe/netprobe/lib/registry"
	"github.com/netprobe/netprobe/lib/scheduler"
	"github.com/netprobe/netprobe/lib/services"
	"github.com/netprobe/netprobe/lib/utils"
)

// Config configures a Handler.
type Config struct {
	// Identity resolves request credentials to principals.
	Identity *identity.Resolver
	// Admission gates every diagnostics request.
	Admission *admission.Engine
	// Runner executes admitted probes.
	Runner scheduler.ProbeRunner
	// Fabric owns node sessions.
	Fabric *fabric.Controller
	// Registry owns node records and tokens.
	Registry *registry.Registry
	// Scheduler owns recurring probes.
	Scheduler *scheduler.Scheduler
	// Users is the read-only account store, used to resolve admins.
	Users services.Identity
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Identity == nil {
		return trace.BadParameter("missing parameter Identity")
	}
	if c.Admission == nil {
		return trace.BadParameter("missing parameter Admission")
	}
	if c.Runner == nil {
		return trace.BadParameter("missing parameter Runner")
	}
	if c.Fabric == nil {
		return trace.BadParameter("missing parameter Fabric")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Scheduler == nil {
		return trace.BadParameter("missing parameter Scheduler")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Handler is the HTTP control surface.
type Handler struct {
	httprouter.Router
	cfg      Config
	log      *log.Entry
	upgrader websocket.Upgrader
}

// NewHandler builds the API handler and mounts all routes.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg: cfg,
		log: utils.NewComponentLogger(netprobe.ComponentWeb),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	h.GET("/healthz", httplib.MakeHandler(h.health))
	h.Handler("GET", "/metrics", promhttp.Handler())

	h.POST("/v1/nodes/register", httplib.MakeHandler(h.registerNode))
	h.POST("/v1/nodes/heartbeat", httplib.MakeHandler(h.nodeHeartbeat))
	h.GET("/v1/nodes", httplib.MakeHandler(h.getNodes))
	h.PATCH("/v1/nodes/:uuid", httplib.MakeHandler(h.updateNode))
	h.DELETE("/v1/nodes/:uuid", httplib.MakeHandler(h.deactivateNode))
	h.GET("/v1/ws/node", h.nodeWebsocket)

	h.POST("/v1/tokens", httplib.MakeHandler(h.createToken))
	h.GET("/v1/tokens", httplib.MakeHandler(h.getTokens))
	h.DELETE("/v1/tokens/:token", httplib.MakeHandler(h.revokeToken))

	h.GET("/v1/diagnostics/:tool", httplib.MakeHandler(h.diagnostics))

	h.POST("/v1/probes", httplib.MakeHandler(h.createScheduledProbe))
	h.GET("/v1/probes", httplib.MakeHandler(h.getScheduledProbes))
	h.DELETE("/v1/probes/:id", httplib.MakeHandler(h.deleteScheduledProbe))

	return h, nil
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return map[string]interface{}{
		"status":  "ok",
		"version": netprobe.Version,
	}, nil
}

// principal resolves the caller. An invalid API key fails the request;
// everything else degrades per the resolution rules.
func (h *Handler) principal(r *http.Request) (identity.Principal, error) {
	principal, err := h.cfg.Identity.Resolve(r.Context(), identity.CredentialsFromRequest(r))
	if err != nil {
		return identity.Principal{}, trace.Wrap(err)
	}
	return principal, nil
}

// adminPrincipal resolves the caller and requires an admin account.
func (h *Handler) adminPrincipal(r *http.Request) (identity.Principal, error) {
	principal, err := h.principal(r)
	if err != nil {
		return identity.Principal{}, trace.Wrap(err)
	}
	if principal.Anonymous || !principal.IsAdmin {
		return identity.Principal{}, trace.AccessDenied("administrator access required")
	}
	return principal, nil
}

type registerNodeResponse struct {
	NodeUUID string                 `json:"node_uuid"`
	APIKey   string                 `json:"api_key"`
	Status   string                 `json:"status"`
	Config   map[string]interface{} `json:"config"`
	Message  string                 `json:"message"`
}

func (h *Handler) registerNode(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req registry.RegisterRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	node, err := h.cfg.Registry.RegisterNode(r.Context(), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &registerNodeResponse{
		NodeUUID: node.NodeUUID,
		APIKey:   node.APIKey,
		Status:   string(node.Status),
		Config:   node.Config,
		Message:  "node registered successfully",
	}, nil
}

type heartbeatRequest struct {
	NodeUUID string `json:"node_uuid"`
	APIKey   string `json:"api_key"`
	registry.HeartbeatMetrics
}

type heartbeatResponse struct {
	Status       string                 `json:"status"`
	ConfigUpdate map[string]interface{} `json:"config_update"`
	Timestamp    time.Time              `json:"timestamp"`
}

func (h *Handler) nodeHeartbeat(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req heartbeatRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.NodeUUID == "" || req.APIKey == "" {
		return nil, trace.BadParameter("missing node_uuid or api_key")
	}
	node, err := h.cfg.Registry.Heartbeat(r.Context(), req.NodeUUID, req.APIKey, req.HeartbeatMetrics)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &heartbeatResponse{
		Status:       "acknowledged",
		ConfigUpdate: node.Config,
		Timestamp:    h.cfg.Clock.Now(),
	}, nil
}

func (h *Handler) getNodes(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if _, err := h.adminPrincipal(r); err != nil {
		return nil, trace.Wrap(err)
	}
	nodes, err := h.cfg.Registry.GetNodes(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Node credentials never leave the registry.
	for _, node := range nodes {
		node.APIKey = ""
	}
	return nodes, nil
}

func (h *Handler) updateNode(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if _, err := h.adminPrincipal(r); err != nil {
		return nil, trace.Wrap(err)
	}
	var req registry.UpdateNodeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	node, err := h.cfg.Registry.UpdateNode(r.Context(), p.ByName("uuid"), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	node.APIKey = ""
	return node, nil
}

func (h *Handler) deactivateNode(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if _, err := h.adminPrincipal(r); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Registry.DeactivateNode(r.Context(), p.ByName("uuid")); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"status": "deactivated"}, nil
}

// nodeWebsocket upgrades the connection and hands it to the session
// controller. The handler returns when the session ends.
func (h *Handler) nodeWebsocket(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Websocket upgrade failed.")
		return
	}
	if err := h.cfg.Fabric.HandleSession(r.Context(), fabric.NewWebsocketConn(ws)); err != nil {
		h.log.WithError(err).Debug("Node session ended.")
	}
}

type createTokenRequest struct {
	Description string `json:"description"`
	ExpiryHours int    `json:"expiry_hours"`
	Region      string `json:"region,omitempty"`
}

type createTokenResponse struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Description string    `json:"description"`
}

func (h *Handler) createToken(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	principal, err := h.adminPrincipal(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req createTokenRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	createdBy := ""
	if h.cfg.Users != nil {
		if user, err := h.cfg.Users.GetUserByID(r.Context(), principal.UserID); err == nil {
			createdBy = user.Email
		}
	}
	token, err := h.cfg.Registry.CreateRegistrationToken(r.Context(), registry.CreateTokenRequest{
		Description: req.Description,
		Expiry:      time.Duration(req.ExpiryHours) * time.Hour,
		Region:      req.Region,
		CreatedBy:   createdBy,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &createTokenResponse{
		Token:       token.Token,
		ExpiresAt:   token.ExpiresAt,
		Description: token.Description,
	}, nil
}

func (h *Handler) getTokens(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if _, err := h.adminPrincipal(r); err != nil {
		return nil, trace.Wrap(err)
	}
	tokens, err := h.cfg.Registry.GetTokens(r.Context())
	return tokens, trace.Wrap(err)
}

func (h *Handler) revokeToken(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if _, err := h.adminPrincipal(r); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Registry.RevokeToken(r.Context(), p.ByName("token")); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"status": "revoked"}, nil
}

// diagnostics is the hot path: resolve, admit, dispatch, release. The
// ticket is released on every exit path; release is idempotent so the
// deferred call is safe alongside the explicit ones.
func (h *Handler) diagnostics(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	principal, err := h.principal(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	spec := types.ProbeSpec{
		Tool:   p.ByName("tool"),
		Target: r.URL.Query().Get("target"),
		Region: r.URL.Query().Get("region"),
	}
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return nil, trace.BadParameter("invalid timeout %q", raw)
		}
		spec.Timeout = time.Duration(seconds) * time.Second
	}
	if err := spec.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	ticket, err := h.cfg.Admission.Admit(r.Context(), principal, admission.Meta{
		Endpoint:   r.URL.Path,
		ClientAddr: r.RemoteAddr,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer h.cfg.Admission.Release(ticket, admission.Outcome{Success: false})

	result, err := h.cfg.Runner.Dispatch(r.Context(), spec, principal.Tier.Priority)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Admission.Release(ticket, admission.Outcome{Success: result.Success})
	return result, nil
}

func (h *Handler) createScheduledProbe(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	principal, err := h.principal(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if principal.Anonymous {
		return nil, trace.AccessDenied("authentication required")
	}
	var probe types.ScheduledProbe
	if err := httplib.ReadJSON(r, &probe); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.cfg.Scheduler.CreateScheduledProbe(r.Context(), principal.UserID, &probe)
	return created, trace.Wrap(err)
}

func (h *Handler) getScheduledProbes(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	principal, err := h.principal(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if principal.Anonymous {
		return nil, trace.AccessDenied("authentication required")
	}
	probes, err := h.cfg.Scheduler.GetScheduledProbes(r.Context(), principal.UserID)
	return probes, trace.Wrap(err)
}

func (h *Handler) deleteScheduledProbe(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	principal, err := h.principal(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if principal.Anonymous {
		return nil, trace.AccessDenied("authentication required")
	}
	if err := h.cfg.Scheduler.DeleteScheduledProbe(r.Context(), principal.UserID, p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"status": "deleted"}, nil
}
