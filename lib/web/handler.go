/*
Copyright 2025 Coscribe, Inc.

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

// Package web is the HTTP front door: it upgrades /v1/ws to a
// websocket and hands the connection to a session, and serves the
// health, readiness, metrics and room inspection endpoints.
package web

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/coscribe/coscribe"
	"github.com/coscribe/coscribe/lib/backend"
	"github.com/coscribe/coscribe/lib/httplib"
	"github.com/coscribe/coscribe/lib/room"
	"github.com/coscribe/coscribe/lib/session"
)

// Config holds the web handler configuration.
type Config struct {
	// Rooms is the room registry sessions are routed to.
	Rooms *room.Manager

	// Backend is probed by the readiness endpoint.
	Backend backend.Backend

	// Clock is passed to sessions for their timers.
	Clock clockwork.Clock

	// Session holds the per-session tunables.
	Session session.Params
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Rooms == nil {
		return trace.BadParameter("missing parameter Rooms")
	}
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return trace.Wrap(c.Session.CheckAndSetDefaults())
}

// Handler is the coscribe HTTP handler.
type Handler struct {
	httprouter.Router
	cfg      Config
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

// NewHandler creates the handler and registers its routes.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg: cfg,
		log: logrus.WithField(coscribe.ComponentKey, coscribe.ComponentWeb),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	h.GET("/v1/ws", h.connect)
	h.GET("/v1/rooms/:room", httplib.MakeHandler(h.roomInfo))
	h.GET("/healthz", httplib.MakeHandler(h.health))
	h.GET("/readyz", httplib.MakeHandler(h.readiness))
	h.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	return h, nil
}

// connect upgrades the request to a websocket and runs a session on it
// until the client disconnects. The request context ends the session
// on server shutdown.
func (h *Handler) connect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		errMsg := "Error upgrading to websocket"
		h.log.WithError(err).Error(errMsg)
		http.Error(w, errMsg, http.StatusInternalServerError)
		return
	}
	sess, err := session.New(session.Config{
		Conn:     ws,
		Registry: h.cfg.Rooms,
		Clock:    h.cfg.Clock,
		Params:   h.cfg.Session,
	})
	if err != nil {
		h.log.WithError(err).Error("Failed to start a session.")
		ws.Close()
		return
	}
	if err := sess.Run(r.Context()); err != nil {
		h.log.WithError(err).Debug("Session ended with an error.")
	}
}

// roomInfo reports the live state of one room: content, version and
// the current participants. Rooms with no active task are NotFound
// even when persisted state exists.
func (h *Handler) roomInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	info, err := h.cfg.Rooms.RoomInfo(r.Context(), p.ByName("room"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return info, nil
}

type statusResponse struct {
	Status string `json:"status"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return statusResponse{Status: "ok"}, nil
}

// readiness probes the backend. A NotFound answer still proves the
// store is reachable.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if _, err := h.cfg.Backend.GetRoom(r.Context(), "readyz-probe"); err != nil && !trace.IsNotFound(err) {
		return nil, trace.ConnectionProblem(err, "storage backend is not reachable")
	}
	return statusResponse{Status: "ok"}, nil
}
