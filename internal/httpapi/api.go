// Package httpapi exposes controllers over a local REST API and streams
// their events to websocket clients.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/chaz8081/gonuimo/internal/matrix"
	"github.com/chaz8081/gonuimo/internal/nuimo"
	"github.com/chaz8081/gonuimo/internal/store"
)

// Controllers resolves the controllers the API can drive.
type Controllers interface {
	Controllers() []nuimo.Controller
	Controller(id string) (nuimo.Controller, bool)
}

// Scanner starts and stops discovery.
type Scanner interface {
	Start(updateReachability bool)
	Stop()
	IsDiscovering() bool
}

// Known is the persistent controller registry.
type Known interface {
	List(ctx context.Context) ([]store.Controller, error)
	SetAutoConnect(ctx context.Context, id uuid.UUID, enabled bool) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type brightnessSetter interface {
	SetMatrixBrightness(b float64)
}

type heartbeatSetter interface {
	SetHeartbeatInterval(d time.Duration) error
}

type firmwareCommander interface {
	RebootToDFUMode() error
	CalibrateFlySensor() error
}

// Registry combines Bluetooth controllers from a discovery with extra
// controllers such as virtual ones.
type Registry struct {
	Discovery *nuimo.Discovery
	Extra     []nuimo.Controller
}

func (r Registry) Controllers() []nuimo.Controller {
	var out []nuimo.Controller
	if r.Discovery != nil {
		for _, c := range r.Discovery.Controllers() {
			out = append(out, c)
		}
	}
	return append(out, r.Extra...)
}

func (r Registry) Controller(id string) (nuimo.Controller, bool) {
	if r.Discovery != nil {
		if c, ok := r.Discovery.Controller(id); ok {
			return c, true
		}
	}
	for _, c := range r.Extra {
		if c.ID() == id {
			return c, true
		}
	}
	return nil, false
}

type API struct {
	controllers        Controllers
	scanner            Scanner
	known              Known
	hub                *Hub
	logger             *slog.Logger
	updateReachability bool
}

// Options configures optional parts of the API. A nil Scanner or Known
// disables the matching routes.
type Options struct {
	Scanner            Scanner
	Known              Known
	Hub                *Hub
	UpdateReachability bool
}

func New(controllers Controllers, logger *slog.Logger, opts Options) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		controllers:        controllers,
		scanner:            opts.Scanner,
		known:              opts.Known,
		hub:                opts.Hub,
		logger:             logger,
		updateReachability: opts.UpdateReachability,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	if a.hub != nil {
		r.Get("/events", a.hub.ServeHTTP)
	}
	r.Route("/api", func(api chi.Router) {
		api.Get("/controllers", a.listControllers)
		api.Route("/controllers/{id}", func(c chi.Router) {
			c.Use(middleware.Timeout(10 * time.Second))
			c.Get("/", a.getController)
			c.Post("/connect", a.connect)
			c.Post("/disconnect", a.disconnect)
			c.Post("/matrix", a.displayMatrix)
			c.Post("/brightness", a.setBrightness)
			c.Post("/heartbeat", a.setHeartbeat)
			c.Post("/dfu", a.rebootToDFU)
			c.Post("/calibrate", a.calibrate)
		})
		api.Post("/discovery/start", a.startDiscovery)
		api.Post("/discovery/stop", a.stopDiscovery)
		api.Get("/known", a.listKnown)
		api.Patch("/known/{id}", a.patchKnown)
		api.Delete("/known/{id}", a.deleteKnown)
	})
	return r
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.scanner != nil {
		body["discovering"] = a.scanner.IsDiscovering()
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) listControllers(w http.ResponseWriter, _ *http.Request) {
	items := []nuimo.Info{}
	for _, c := range a.controllers.Controllers() {
		items = append(items, c.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// lookup resolves {id} or writes a 404.
func (a *API) lookup(w http.ResponseWriter, r *http.Request) (nuimo.Controller, bool) {
	c, ok := a.controllers.Controller(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Controller not found")
	}
	return c, ok
}

func (a *API) getController(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Info())
}

type connectRequest struct {
	AutoReconnect bool `json:"auto_reconnect"`
}

func (a *API) connect(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var payload connectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
			return
		}
	}
	c.Connect(payload.AutoReconnect)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) disconnect(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	c.Disconnect()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// MatrixRequest selects exactly one of Template, BuiltIn, VolumeBar or
// VerticalBar.
type MatrixRequest struct {
	Template         *string  `json:"template,omitempty"`
	BuiltIn          *uint8   `json:"built_in,omitempty"`
	VolumeBar        *float64 `json:"volume_bar,omitempty"`
	VerticalBar      *float64 `json:"vertical_bar,omitempty"`
	Interval         string   `json:"interval,omitempty"`
	Fade             bool     `json:"fade,omitempty"`
	IgnoreDuplicates bool     `json:"ignore_duplicates,omitempty"`
	WithoutAck       bool     `json:"without_ack,omitempty"`
}

func (req MatrixRequest) matrix() (matrix.Matrix, bool) {
	var (
		m   matrix.Matrix
		set int
	)
	if req.Template != nil {
		m, set = matrix.Parse(*req.Template), set+1
	}
	if req.BuiltIn != nil {
		m, set = matrix.BuiltIn(*req.BuiltIn), set+1
	}
	if req.VolumeBar != nil {
		m, set = matrix.VolumeBar(*req.VolumeBar), set+1
	}
	if req.VerticalBar != nil {
		m, set = matrix.VerticalBar(*req.VerticalBar), set+1
	}
	return m, set == 1
}

func (a *API) displayMatrix(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var payload MatrixRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	m, ok := payload.matrix()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_matrix", "Exactly one of template, built_in, volume_bar, vertical_bar is required")
		return
	}
	var interval time.Duration
	if payload.Interval != "" {
		d, err := time.ParseDuration(payload.Interval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_interval", "interval must be a duration such as 2s")
			return
		}
		interval = d
	}
	opts := matrix.WriteOptions{
		IgnoreDuplicates:   payload.IgnoreDuplicates,
		WithFadeTransition: payload.Fade,
		WithoutAck:         payload.WithoutAck,
	}
	if err := c.DisplayMatrix(m, interval, opts); err != nil {
		a.commandError(w, "display_failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

type brightnessRequest struct {
	Brightness float64 `json:"brightness"`
}

func (a *API) setBrightness(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	setter, ok := c.(brightnessSetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "not_supported", "Controller does not support brightness")
		return
	}
	var payload brightnessRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if payload.Brightness < 0 || payload.Brightness > 1 {
		writeError(w, http.StatusBadRequest, "invalid_brightness", "brightness must be between 0 and 1")
		return
	}
	setter.SetMatrixBrightness(payload.Brightness)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

type heartbeatRequest struct {
	Interval string `json:"interval"`
}

func (a *API) setHeartbeat(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	setter, ok := c.(heartbeatSetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "not_supported", "Controller does not support heartbeat")
		return
	}
	var payload heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	d, err := time.ParseDuration(payload.Interval)
	if err != nil || d < 0 {
		writeError(w, http.StatusBadRequest, "invalid_interval", "interval must be a non-negative duration")
		return
	}
	if err := setter.SetHeartbeatInterval(d); err != nil {
		a.commandError(w, "heartbeat_failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) rebootToDFU(w http.ResponseWriter, r *http.Request) {
	a.firmwareCommand(w, r, "dfu_failed", firmwareCommander.RebootToDFUMode)
}

func (a *API) calibrate(w http.ResponseWriter, r *http.Request) {
	a.firmwareCommand(w, r, "calibrate_failed", firmwareCommander.CalibrateFlySensor)
}

func (a *API) firmwareCommand(w http.ResponseWriter, r *http.Request, code string, run func(firmwareCommander) error) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	cmd, ok := c.(firmwareCommander)
	if !ok {
		writeError(w, http.StatusNotImplemented, "not_supported", "Controller has no firmware commands")
		return
	}
	if err := run(cmd); err != nil {
		a.commandError(w, code, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// commandError maps controller sentinels to status codes.
func (a *API) commandError(w http.ResponseWriter, code string, err error) {
	switch {
	case errors.Is(err, nuimo.ErrNotConnected):
		writeError(w, http.StatusConflict, "not_connected", err.Error())
	case errors.Is(err, nuimo.ErrNotSupported):
		writeError(w, http.StatusNotImplemented, "not_supported", err.Error())
	default:
		a.logger.Warn("controller command failed", "code", code, "err", err)
		writeError(w, http.StatusInternalServerError, code, err.Error())
	}
}

func (a *API) startDiscovery(w http.ResponseWriter, _ *http.Request) {
	if a.scanner == nil {
		writeError(w, http.StatusNotImplemented, "not_supported", "Discovery is not available")
		return
	}
	a.scanner.Start(a.updateReachability)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) stopDiscovery(w http.ResponseWriter, _ *http.Request) {
	if a.scanner == nil {
		writeError(w, http.StatusNotImplemented, "not_supported", "Discovery is not available")
		return
	}
	a.scanner.Stop()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) listKnown(w http.ResponseWriter, r *http.Request) {
	if a.known == nil {
		writeError(w, http.StatusNotImplemented, "not_supported", "Controller store is not available")
		return
	}
	items, err := a.known.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	if items == nil {
		items = []store.Controller{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type knownPatch struct {
	AutoConnect *bool `json:"auto_connect"`
}

func (a *API) knownID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if a.known == nil {
		writeError(w, http.StatusNotImplemented, "not_supported", "Controller store is not available")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (a *API) patchKnown(w http.ResponseWriter, r *http.Request) {
	id, ok := a.knownID(w, r)
	if !ok {
		return
	}
	var payload knownPatch
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.AutoConnect == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "auto_connect is required")
		return
	}
	if err := a.known.SetAutoConnect(r.Context(), id, *payload.AutoConnect); err != nil {
		a.storeError(w, "patch_failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) deleteKnown(w http.ResponseWriter, r *http.Request) {
	id, ok := a.knownID(w, r)
	if !ok {
		return
	}
	if err := a.known.Delete(r.Context(), id); err != nil {
		a.storeError(w, "delete_failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) storeError(w http.ResponseWriter, code string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Known controller not found")
		return
	}
	writeError(w, http.StatusInternalServerError, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// RunServer serves until ctx is cancelled, then shuts down gracefully.
func RunServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "err", err)
			return err
		}
		return nil
	}
}
