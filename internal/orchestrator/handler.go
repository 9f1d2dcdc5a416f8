package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"playout-engine/internal/amcp"
	"playout-engine/internal/rundown"
	"playout-engine/internal/scheduler"
)

const (
	maxBodyBytes       = 4 << 20
	streamWriteTimeout = 5 * time.Second
)

// HandlerOptions tunes the HTTP surface.
type HandlerOptions struct {
	// IntentLimit caps operator intents per second per client IP; zero
	// disables the limit.
	IntentLimit int
	// StreamOrigins lists the cross-origin hosts allowed on /layers/stream.
	StreamOrigins []string
}

// Handler exposes the engine over HTTP using go-chi.
type Handler struct {
	svc         *Service
	log         *slog.Logger
	intentLimit int
	origins     []string
}

// NewHandler returns a Handler. log may be nil.
func NewHandler(svc *Service, log *slog.Logger, opts HandlerOptions) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{svc: svc, log: log, intentLimit: opts.IntentLimit, origins: opts.StreamOrigins}
}

// Register mounts every route on r.
func (h *Handler) Register(r chi.Router) {
	limit := h.intentLimiter()

	r.Get("/health", h.Health)
	r.Get("/catalog/media", h.Media)
	r.Get("/catalog/templates", h.Templates)
	r.Get("/layers", h.Layers)
	r.Get("/layers/stream", h.LayersStream)

	r.Group(func(r chi.Router) {
		r.Use(limit)
		r.Post("/items/{item_id}/cue", h.Cue)
		r.Post("/items/{item_id}/take", h.Take)
		r.Post("/items/{item_id}/overlays/{overlay_id}/play", h.PlayOverlay)
		r.Post("/take", h.TakeCued)
		r.Post("/next", h.Next)
		r.Post("/overlays/play", h.PlayPreset)
		r.Post("/layers/{layer_key}/stop", h.StopLayer)
		r.Post("/layers/{layer_key}/overlay-stop", h.StopOverlay)
		r.Post("/channels/{channel}/panic", h.Panic)
		r.Put("/autochain", h.SetAutoChain)
	})

	r.Route("/rundowns", func(r chi.Router) {
		r.Get("/", h.ListRundowns)
		r.Post("/", h.CreateRundown)
		r.Get("/export", h.Export)
		r.Post("/import", h.Import)
		r.Route("/{rundown_id}", func(r chi.Router) {
			r.Get("/", h.GetRundown)
			r.Delete("/", h.DeleteRundown)
			r.Put("/lock", h.SetLocked)
			r.Post("/items", h.AddItem)
			r.With(limit).Post("/play", h.PlayRundown)
		})
	})
	r.Put("/items/{item_id}", h.UpdateItem)
	r.Delete("/items/{item_id}", h.DeleteItem)
}

func (h *Handler) intentLimiter() func(http.Handler) http.Handler {
	if h.intentLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		h.intentLimit,
		time.Second,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limit_exceeded"})
		}),
	)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps sentinel errors to HTTP status codes.
func statusFor(err error) int {
	var se *amcp.StatusError
	switch {
	case errors.Is(err, rundown.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rundown.ErrInvalidItem),
		errors.Is(err, rundown.ErrUnknownFormat),
		errors.Is(err, scheduler.ErrInvalidKey),
		errors.Is(err, amcp.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, rundown.ErrLocked),
		errors.Is(err, scheduler.ErrNothingCued),
		errors.Is(err, scheduler.ErrEndOfRundown):
		return http.StatusConflict
	case errors.Is(err, amcp.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &se):
		return http.StatusBadGateway
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", slog.String("path", r.URL.Path), slog.Int("status", status), slog.String("error", err.Error()))
	} else {
		h.log.Debug("request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.log.Debug("invalid request body", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body"})
		return false
	}
	return true
}

func layerKeyParam(r *http.Request) (scheduler.LayerKey, error) {
	return scheduler.ParseLayerKey(chi.URLParam(r, "layer_key"))
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Health())
}

// Media handles GET /catalog/media.
func (h *Handler) Media(w http.ResponseWriter, r *http.Request) {
	media, err := h.svc.Media(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, media)
}

// Templates handles GET /catalog/templates.
func (h *Handler) Templates(w http.ResponseWriter, r *http.Request) {
	tpls, err := h.svc.Templates(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpls)
}

// Layers handles GET /layers.
func (h *Handler) Layers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Layers())
}

// LayersStream handles GET /layers/stream, pushing a snapshot over a
// websocket after every scheduler event and tick.
func (h *Handler) LayersStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.log.Warn("ws accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	for snap := range h.svc.Subscribe(ctx) {
		wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
		err := wsjson.Write(wctx, conn, snap)
		cancel()
		if err != nil {
			h.log.Debug("ws stream ended", slog.String("error", err.Error()))
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "done")
}

// Cue handles POST /items/{item_id}/cue.
func (h *Handler) Cue(w http.ResponseWriter, r *http.Request) {
	it, err := h.svc.Cue(r.Context(), chi.URLParam(r, "item_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// Take handles POST /items/{item_id}/take.
func (h *Handler) Take(w http.ResponseWriter, r *http.Request) {
	it, err := h.svc.Take(r.Context(), chi.URLParam(r, "item_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// TakeCued handles POST /take.
func (h *Handler) TakeCued(w http.ResponseWriter, r *http.Request) {
	it, err := h.svc.TakeCued(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// Next handles POST /next.
func (h *Handler) Next(w http.ResponseWriter, r *http.Request) {
	it, err := h.svc.Next(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

type layerBody struct {
	Layer scheduler.LayerKey `json:"layer"`
}

// PlayOverlay handles POST /items/{item_id}/overlays/{overlay_id}/play.
func (h *Handler) PlayOverlay(w http.ResponseWriter, r *http.Request) {
	key, err := h.svc.PlayOverlay(r.Context(), chi.URLParam(r, "item_id"), chi.URLParam(r, "overlay_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, layerBody{Layer: key})
}

// PlayPreset handles POST /overlays/play. Body: an overlay with its channel.
func (h *Handler) PlayPreset(w http.ResponseWriter, r *http.Request) {
	var ov rundown.Overlay
	if !h.decode(w, r, &ov) {
		return
	}
	key, err := h.svc.PlayPreset(r.Context(), ov, ov.Channel)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, layerBody{Layer: key})
}

// StopLayer handles POST /layers/{layer_key}/stop.
func (h *Handler) StopLayer(w http.ResponseWriter, r *http.Request) {
	key, err := layerKeyParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.Stop(r.Context(), key); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StopOverlay handles POST /layers/{layer_key}/overlay-stop.
func (h *Handler) StopOverlay(w http.ResponseWriter, r *http.Request) {
	key, err := layerKeyParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.StopOverlay(r.Context(), key); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Panic handles POST /channels/{channel}/panic.
func (h *Handler) Panic(w http.ResponseWriter, r *http.Request) {
	ch, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: channel %q", scheduler.ErrInvalidKey, chi.URLParam(r, "channel")))
		return
	}
	if err := h.svc.Panic(r.Context(), ch); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetAutoChain handles PUT /autochain. Body: {"enabled": true}.
func (h *Handler) SetAutoChain(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "enabled is required"})
		return
	}
	if err := h.svc.SetAutoChain(r.Context(), *body.Enabled); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRundowns handles GET /rundowns.
func (h *Handler) ListRundowns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Rundowns())
}

// CreateRundown handles POST /rundowns.
func (h *Handler) CreateRundown(w http.ResponseWriter, r *http.Request) {
	var in rundown.Rundown
	if !h.decode(w, r, &in) {
		return
	}
	rd, err := h.svc.CreateRundown(in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("rundown created", slog.String("rundown_id", rd.ID), slog.String("name", rd.Name))
	writeJSON(w, http.StatusCreated, rd)
}

// GetRundown handles GET /rundowns/{rundown_id}.
func (h *Handler) GetRundown(w http.ResponseWriter, r *http.Request) {
	rd, err := h.svc.Rundown(chi.URLParam(r, "rundown_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// DeleteRundown handles DELETE /rundowns/{rundown_id}.
func (h *Handler) DeleteRundown(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteRundown(chi.URLParam(r, "rundown_id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetLocked handles PUT /rundowns/{rundown_id}/lock. Body: {"locked": true}.
func (h *Handler) SetLocked(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Locked bool `json:"locked"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.svc.SetLocked(chi.URLParam(r, "rundown_id"), body.Locked); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddItem handles POST /rundowns/{rundown_id}/items.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var in rundown.Item
	if !h.decode(w, r, &in) {
		return
	}
	it, err := h.svc.AddItem(chi.URLParam(r, "rundown_id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

// PlayRundown handles POST /rundowns/{rundown_id}/play.
func (h *Handler) PlayRundown(w http.ResponseWriter, r *http.Request) {
	it, err := h.svc.PlayRundown(r.Context(), chi.URLParam(r, "rundown_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, it)
}

// UpdateItem handles PUT /items/{item_id}.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var in rundown.Item
	if !h.decode(w, r, &in) {
		return
	}
	it, err := h.svc.UpdateItem(chi.URLParam(r, "item_id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// DeleteItem handles DELETE /items/{item_id}.
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteItem(chi.URLParam(r, "item_id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestFormat reads ?format=, falling back to a yaml Content-Type.
func requestFormat(r *http.Request) (rundown.Format, error) {
	if q := r.URL.Query().Get("format"); q != "" {
		return rundown.ParseFormat(q)
	}
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		return rundown.FormatYAML, nil
	}
	return rundown.FormatJSON, nil
}

// Export handles GET /rundowns/export?format=json|yaml.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	f, err := requestFormat(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", f.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="rundowns.%s"`, f))
	if err := h.svc.Export(w, f); err != nil {
		h.log.Error("export failed", slog.String("error", err.Error()))
	}
}

// Import handles POST /rundowns/import?format=json|yaml.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	f, err := requestFormat(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.svc.Import(http.MaxBytesReader(w, r.Body, maxBodyBytes), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}
