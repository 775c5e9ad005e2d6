package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/alertbox/backend/model"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultMaxBodyBytes     = 64 << 10
)

var (
	ErrUnexpected    = errors.New("unexpected server error")
	ErrInvalidTarget = errors.New("target_id must be a peer id or empty")
)

type (
	Controller interface {
		Connect(ctx context.Context, address string, devMode bool) string
		SetUsername(ctx context.Context, name string) string
		SetTarget(ctx context.Context, id *int)
		SendAlert(ctx context.Context, alertID string)
		SendCustom(ctx context.Context, message, mediaURL string)
		RequestRoster(ctx context.Context)
		Snapshot(ctx context.Context) model.SessionState
	}

	Catalog interface {
		Entries() []model.AlertEntry
	}

	ConnectRequest struct {
		Address string `json:"address"`
		Dev     bool   `json:"dev"`
	}

	UsernameRequest struct {
		Username string `json:"username"`
	}

	AlertRequest struct {
		AlertID string `json:"alert_id"`
	}

	CustomRequest struct {
		Message  string `json:"message"`
		MediaURL string `json:"media_url"`
	}

	// TargetRequest accepts a number, a numeric string, an empty string or null.
	TargetRequest struct {
		TargetID json.RawMessage `json:"target_id"`
	}

	GenericResponse struct {
		Message string      `json:"message,omitempty"`
		Error   string      `json:"error,omitempty"`
		Data    interface{} `json:"data,omitempty"`
	}

	Config struct {
		Logger     *zerolog.Logger
		Controller Controller
		Catalog    Catalog
		ListenAddr string
	}

	Server struct {
		logger  zerolog.Logger
		ctrl    Controller
		catalog Catalog
		*http.Server
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "api-server").Logger(),
		ctrl:    cfg.Controller,
		catalog: cfg.Catalog,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/connect", srv.connect)
	r.HandleFunc("POST /api/username", srv.setUsername)
	r.HandleFunc("POST /api/alert", srv.sendAlert)
	r.HandleFunc("POST /api/custom", srv.sendCustom)
	r.HandleFunc("POST /api/target", srv.setTarget)
	r.HandleFunc("POST /api/roster", srv.requestRoster)
	r.HandleFunc("GET /api/state", srv.state)
	r.HandleFunc("GET /api/alerts", srv.alerts)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if !srv.readJSON(w, r, &req) {
		return
	}
	srv.logger.Trace().Any("request", req).Msg("got connect request")
	status := srv.ctrl.Connect(r.Context(), strings.TrimSpace(req.Address), req.Dev)
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Message: status})
}

func (srv *Server) setUsername(w http.ResponseWriter, r *http.Request) {
	var req UsernameRequest
	if !srv.readJSON(w, r, &req) {
		return
	}
	name := srv.ctrl.SetUsername(r.Context(), strings.TrimSpace(req.Username))
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Message: "OK", Data: name})
}

func (srv *Server) sendAlert(w http.ResponseWriter, r *http.Request) {
	var req AlertRequest
	if !srv.readJSON(w, r, &req) {
		return
	}
	if req.AlertID == "" {
		srv.writeResponse(w, http.StatusBadRequest, &GenericResponse{Error: "alert_id is required"})
		return
	}
	srv.ctrl.SendAlert(r.Context(), req.AlertID)
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) sendCustom(w http.ResponseWriter, r *http.Request) {
	var req CustomRequest
	if !srv.readJSON(w, r, &req) {
		return
	}
	srv.ctrl.SendCustom(r.Context(), req.Message, strings.TrimSpace(req.MediaURL))
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) setTarget(w http.ResponseWriter, r *http.Request) {
	var req TargetRequest
	if !srv.readJSON(w, r, &req) {
		return
	}
	id, err := parseTarget(req.TargetID)
	if err != nil {
		srv.writeResponse(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()})
		return
	}
	srv.ctrl.SetTarget(r.Context(), id)
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) requestRoster(w http.ResponseWriter, r *http.Request) {
	srv.ctrl.RequestRoster(r.Context())
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) state(w http.ResponseWriter, r *http.Request) {
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: srv.ctrl.Snapshot(r.Context())})
}

func (srv *Server) alerts(w http.ResponseWriter, _ *http.Request) {
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: srv.catalog.Entries()})
}

// parseTarget maps the selector value to a peer id; empty and null mean broadcast.
func parseTarget(raw json.RawMessage) (*int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, ErrInvalidTarget
	}
	var s string
	switch t := v.(type) {
	case string:
		s = strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
	case float64:
		s = string(raw)
	default:
		return nil, ErrInvalidTarget
	}
	id, err := strconv.Atoi(s)
	if err != nil {
		return nil, ErrInvalidTarget
	}
	return &id, nil
}

func (srv *Server) readJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodyBytes))
	defer func() {
		_ = r.Body.Close()
	}()
	if err == nil {
		err = json.Unmarshal(body, dst)
	}
	if err != nil {
		srv.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("bad request body")
		srv.writeResponse(w, http.StatusBadRequest, &GenericResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (srv *Server) writeResponse(w http.ResponseWriter, code int, resp *GenericResponse) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
