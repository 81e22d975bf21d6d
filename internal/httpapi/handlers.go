package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/BonisOleg/play-vision-sub000/internal/access"
	"github.com/BonisOleg/play-vision-sub000/internal/platform/api"
	"github.com/BonisOleg/play-vision-sub000/internal/platform/auth"
	"github.com/BonisOleg/play-vision-sub000/internal/platform/httpserver"
	"github.com/BonisOleg/play-vision-sub000/internal/preview"
	"github.com/BonisOleg/play-vision-sub000/internal/progress"
	"github.com/BonisOleg/play-vision-sub000/internal/syncqueue"
	"github.com/BonisOleg/play-vision-sub000/internal/timers"
	"github.com/BonisOleg/play-vision-sub000/internal/upstream"
)

// Upstream is the slice of the upstream client the handlers call directly.
// *upstream.Client satisfies it.
type Upstream interface {
	SecureVideoURL(ctx context.Context, materialID string) (string, error)
	AskAI(ctx context.Context, query string) (*upstream.AIResponse, error)
	RateAI(ctx context.Context, queryID string, rating int) (*upstream.AIRateResponse, error)
	CartAdd(ctx context.Context, itemID, itemType string) (*upstream.CartSummary, error)
}

type Options struct {
	Log      *zap.Logger
	Verifier auth.Verifier
	Upstream Upstream
	Security preview.SecurityLogger
	Flusher  progress.Flusher
	Queue    *syncqueue.Queue
	Access   *access.Reconciler
	Timers   *timers.Registry
	Bus      preview.Publisher
	Clock    clockwork.Clock

	// DefaultToken is the agent's configured session token, used when a
	// request does not carry its own.
	DefaultToken string

	AllowedPreviewSeconds int
	ProgressFlushInterval time.Duration
	ActivityWindow        time.Duration
}

type Handler struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*managedSession
}

// managedSession pairs a playback session with its progress reporter.
// sess is nil for ungated viewers: subscribers play without a countdown,
// but their watch time is still reported.
type managedSession struct {
	id         string
	materialID string
	secureURL  string
	viewer     auth.Viewer
	gated      bool
	sess       *preview.Session
	reporter   *progress.Reporter
	playing    bool // ungated sessions only; gated state lives in sess
}

func NewHandler(opts Options) *Handler {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Handler{
		opts:     opts,
		log:      opts.Log,
		sessions: make(map[string]*managedSession),
	}
}

// Routes builds the command table. Registration errors mean a programming
// mistake in the table itself, so callers treat them as fatal.
func (h *Handler) Routes() (*Registry, error) {
	reg := NewRegistry()
	table := []Command{
		{Name: "session.open", Method: http.MethodPost, Path: "/sessions", Handler: h.openSession},
		{Name: "session.event", Method: http.MethodPost, Path: "/sessions/{id}/events", Handler: h.sessionEvent},
		{Name: "session.get", Method: http.MethodGet, Path: "/sessions/{id}", Handler: h.getSession},
		{Name: "activity.ping", Method: http.MethodPost, Path: "/activity", Handler: h.activityPing},
		{Name: "visibility.set", Method: http.MethodPost, Path: "/visibility", Handler: h.setVisibility},
		{Name: "favorites.toggle", Method: http.MethodPost, Path: "/favorites/toggle", Handler: h.toggleFavorite},
		{Name: "progress.complete", Method: http.MethodPost, Path: "/progress/complete", Handler: h.toggleCompleted},
		{Name: "cart.add", Method: http.MethodPost, Path: "/cart/add", Handler: h.cartAdd},
		{Name: "ai.ask", Method: http.MethodPost, Path: "/ai/ask", Handler: h.aiAsk},
		{Name: "ai.rate", Method: http.MethodPost, Path: "/ai/rate/{queryID}", Handler: h.aiRate},
		{Name: "queue.status", Method: http.MethodGet, Path: "/queue", Handler: h.queueStatus},
		{Name: "queue.flush", Method: http.MethodPost, Path: "/queue/flush", Handler: h.queueFlush},
	}
	for _, c := range table {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Router assembles the full control router: platform middleware plus the
// command table.
func (h *Handler) Router() (chi.Router, error) {
	reg, err := h.Routes()
	if err != nil {
		return nil, err
	}
	r := chi.NewRouter()
	httpserver.SetupRouter(r)
	reg.Mount(r)
	return r, nil
}

type openSessionRequest struct {
	MaterialID string `json:"material_id"`
	Token      string `json:"token,omitempty"`
}

type openSessionResponse struct {
	SessionID      string `json:"session_id"`
	MaterialID     string `json:"material_id"`
	SecureURL      string `json:"secure_url"`
	Gated          bool   `json:"gated"`
	AllowedSeconds int    `json:"allowed_seconds,omitempty"`
	Entitlement    string `json:"entitlement"`
}

func (h *Handler) openSession(w http.ResponseWriter, req *http.Request) {
	reqID := httpserver.RequestIDFromContext(req.Context())
	var in openSessionRequest
	if !decode(w, req, &in) {
		return
	}
	if strings.TrimSpace(in.MaterialID) == "" {
		api.BadRequest(w, "MISSING_MATERIAL", "material_id is required", reqID, nil)
		return
	}

	token := in.Token
	if token == "" {
		token = h.opts.DefaultToken
	}
	viewer := auth.Classify(h.opts.Verifier, token)

	secureURL, err := h.opts.Upstream.SecureVideoURL(req.Context(), in.MaterialID)
	if err != nil {
		h.writeUpstreamError(w, reqID, err)
		return
	}

	ms := &managedSession{
		id:         uuid.NewString(),
		materialID: in.MaterialID,
		secureURL:  secureURL,
		viewer:     viewer,
		gated:      viewer.Entitlement.Gated(),
	}
	ms.reporter = progress.NewReporter(in.MaterialID, h.opts.Flusher, progress.Options{
		TickInterval:   h.opts.ProgressFlushInterval,
		ActivityWindow: h.opts.ActivityWindow,
		Clock:          h.opts.Clock,
		Logger:         h.log,
	})
	ms.reporter.Start(h.opts.Timers)
	if ms.gated {
		ms.sess = preview.NewSession(preview.Config{
			SessionID:      ms.id,
			MaterialID:     in.MaterialID,
			AllowedSeconds: h.opts.AllowedPreviewSeconds,
			Entitlement:    viewer.Entitlement,
		}, h.opts.Timers, h.opts.Bus,
			preview.WithSecurityLogger(h.opts.Security),
			preview.WithPlaybackObserver(ms.reporter),
			preview.WithLogger(h.log),
		)
	}

	h.mu.Lock()
	h.sessions[ms.id] = ms
	h.mu.Unlock()

	resp := openSessionResponse{
		SessionID:   ms.id,
		MaterialID:  ms.materialID,
		SecureURL:   secureURL,
		Gated:       ms.gated,
		Entitlement: string(viewer.Entitlement),
	}
	if ms.gated {
		resp.AllowedSeconds = h.opts.AllowedPreviewSeconds
		if resp.AllowedSeconds <= 0 {
			resp.AllowedSeconds = 20
		}
	}
	h.log.Info("session opened",
		zap.String("session_id", ms.id),
		zap.String("material_id", ms.materialID),
		zap.Bool("gated", ms.gated))
	api.WriteJSON(w, http.StatusCreated, resp)
}

type sessionEventRequest struct {
	Type            string `json:"type"`
	PositionSeconds int    `json:"position_seconds,omitempty"`
	Message         string `json:"message,omitempty"`
}

type sessionStateResponse struct {
	SessionID      string `json:"session_id"`
	MaterialID     string `json:"material_id"`
	State          string `json:"state"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	Gated          bool   `json:"gated"`
}

func (h *Handler) sessionEvent(w http.ResponseWriter, req *http.Request) {
	reqID := httpserver.RequestIDFromContext(req.Context())
	ms := h.lookup(w, req)
	if ms == nil {
		return
	}
	var in sessionEventRequest
	if !decode(w, req, &in) {
		return
	}

	// Any player event counts as user activity.
	ms.reporter.RecordActivity()

	var err error
	switch in.Type {
	case "play":
		if ms.gated {
			err = ms.sess.Play()
		} else {
			h.setPlaying(ms, true)
			ms.reporter.PlaybackStarted(ms.materialID)
		}
	case "pause":
		if ms.gated {
			err = ms.sess.Pause()
		} else {
			h.setPlaying(ms, false)
			ms.reporter.PlaybackStopped(ms.materialID)
		}
	case "seek":
		if ms.gated {
			err = ms.sess.Seek(in.PositionSeconds)
		}
	case "ended":
		h.finishSession(ms, "")
	case "error":
		h.finishSession(ms, in.Message)
	default:
		api.BadRequest(w, "UNKNOWN_EVENT", "unknown player event type", reqID, map[string]any{"type": in.Type})
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, preview.ErrLocked):
		api.Conflict(w, "PREVIEW_LOCKED", "free preview limit reached", reqID, map[string]any{
			"elapsed_seconds": ms.sess.Elapsed(),
		})
		return
	case errors.Is(err, preview.ErrClosed):
		api.Conflict(w, "SESSION_CLOSED", "session is closed", reqID, nil)
		return
	default:
		h.log.Error("player event failed", zap.String("session_id", ms.id), zap.Error(err))
		api.Internal(w, reqID)
		return
	}
	api.WriteJSON(w, http.StatusOK, h.stateOf(ms))
}

func (h *Handler) getSession(w http.ResponseWriter, req *http.Request) {
	ms := h.lookup(w, req)
	if ms == nil {
		return
	}
	api.WriteJSON(w, http.StatusOK, h.stateOf(ms))
}

// finishSession tears the session down: gated playback closes, the final
// progress report goes out on a context detached from the dying request,
// and the session leaves the table. A final report the upstream could not
// take is parked on the offline queue so the watched time survives the
// session.
func (h *Handler) finishSession(ms *managedSession, mediaError string) {
	if ms.gated {
		if mediaError != "" {
			ms.sess.MediaError(mediaError)
		} else {
			ms.sess.Close()
		}
	} else {
		h.setPlaying(ms, false)
	}
	ms.reporter.PlaybackStopped(ms.materialID)
	ms.reporter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	seconds, err := ms.reporter.FlushFinal(ctx)
	if err != nil && upstream.IsTransient(err) {
		if qerr := h.opts.Queue.Enqueue(ctx, syncqueue.KindProgress, syncqueue.ProgressPayload{
			MaterialID: ms.materialID,
			TimeSpent:  seconds,
			IsFinal:    true,
		}); qerr != nil {
			h.log.Error("queue final progress report", zap.String("material_id", ms.materialID), zap.Error(qerr))
		}
	} else if err != nil {
		h.log.Warn("final progress report lost", zap.String("material_id", ms.materialID), zap.Error(err))
	}

	h.mu.Lock()
	delete(h.sessions, ms.id)
	h.mu.Unlock()
}

// Shutdown finishes every live session: playback closes and each
// reporter's final progress report goes out before the process dies.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	live := make([]*managedSession, 0, len(h.sessions))
	for _, ms := range h.sessions {
		live = append(live, ms)
	}
	h.mu.Unlock()
	for _, ms := range live {
		h.finishSession(ms, "")
	}
}

type activityRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// activityPing marks the user as active. Without a session id it touches
// every live session: mouse and scroll activity is page-global, not bound
// to one player.
func (h *Handler) activityPing(w http.ResponseWriter, req *http.Request) {
	reqID := httpserver.RequestIDFromContext(req.Context())
	var in activityRequest
	if !decode(w, req, &in) {
		return
	}
	h.mu.Lock()
	var touched int
	for _, ms := range h.sessions {
		if in.SessionID != "" && ms.id != in.SessionID {
			continue
		}
		ms.reporter.RecordActivity()
		touched++
	}
	h.mu.Unlock()
	if in.SessionID != "" && touched == 0 {
		api.NotFound(w, "SESSION_NOT_FOUND", "no such session", reqID)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"touched": touched})
}

type visibilityRequest struct {
	Hidden bool `json:"hidden"`
}

// setVisibility mirrors the UI's tab visibility onto the timer registry:
// hidden pauses the pausable timers, visible resumes them.
func (h *Handler) setVisibility(w http.ResponseWriter, req *http.Request) {
	var in visibilityRequest
	if !decode(w, req, &in) {
		return
	}
	if in.Hidden {
		h.opts.Timers.Hide()
	} else {
		h.opts.Timers.Show()
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"hidden": in.Hidden})
}

type toggleRequest struct {
	MaterialID string `json:"material_id"`
}

type toggleResponse struct {
	Applied               bool    `json:"applied"`
	MaterialID            string  `json:"material_id"`
	IsFavorite            bool    `json:"is_favorite"`
	IsCompleted           bool    `json:"is_completed"`
	CourseProgressPercent float64 `json:"course_progress_percent"`
}

func (h *Handler) toggleFavorite(w http.ResponseWriter, req *http.Request) {
	h.toggle(w, req, access.KindFavorite)
}

func (h *Handler) toggleCompleted(w http.ResponseWriter, req *http.Request) {
	h.toggle(w, req, access.KindCompleted)
}

func (h *Handler) toggle(w http.ResponseWriter, req *http.Request, kind access.Kind) {
	reqID := httpserver.RequestIDFromContext(req.Context())
	var in toggleRequest
	if !decode(w, req, &in) {
		return
	}
	if strings.TrimSpace(in.MaterialID) == "" {
		api.BadRequest(w, "MISSING_MATERIAL", "material_id is required", reqID, nil)
		return
	}
	st, err := h.opts.Access.Toggle(req.Context(), kind, in.MaterialID)
	switch {
	case errors.Is(err, access.ErrInFlight):
		// A repeat click while the first request is pending; report the
		// current state and that nothing new went out.
		api.WriteJSON(w, http.StatusOK, toggleResponse{Applied: false, MaterialID: in.MaterialID,
			IsFavorite: st.IsFavorite, IsCompleted: st.IsCompleted, CourseProgressPercent: st.CourseProgressPercent})
	case err != nil:
		h.writeUpstreamError(w, reqID, err)
	default:
		api.WriteJSON(w, http.StatusOK, toggleResponse{Applied: true, MaterialID: in.MaterialID,
			IsFavorite: st.IsFavorite, IsCompleted: st.IsCompleted, CourseProgressPercent: st.CourseProgressPercent})
	}
}

type cartAddRequest struct {
	ItemID   string `json:"item_id"`
	ItemType string `json:"item_type"`
}

func (h *Handler) cartAdd(w http.ResponseWriter, req *http.Request) {
	reqID := httpserver.RequestIDFromContext(req.Context())
	var in cartAddRequest
	if !decode(w, req, &in) {
		return
	}
	if strings.TrimSpace(in.ItemID) == "" {
		api.BadRequest(w, "MISSING_ITEM", "item_id is required", reqID, nil)
		return
	}
	sum, err := h.opts.Upstream.CartAdd(req.Context(), in.ItemID, in.ItemType)
	switch {
	case err == nil:
		api.WriteJSON(w, http.StatusOK, map[string]any{"cart": sum, "navigate": "/cart/"})
	case upstream.IsTransient(err):
		// Unreachable server: park the mutation for replay and tell the
		// UI it is pending, not lost.
		if qerr := h.opts.Queue.Enqueue(req.Context(), syncqueue.KindCart, syncqueue.CartPayload{
			Op: "add", ItemID: in.ItemID, ItemType: in.ItemType,
		}); qerr != nil {
			h.log.Error("queue cart action", zap.Error(qerr))
			api.Internal(w, reqID)
			return
		}
		api.WriteJSON(w, http.StatusAccepted, map[string]any{"queued": true})
	default:
		h.writeUpstreamError(w, reqID, err)
	}
}

type aiAskRequest struct {
	Query string `json:"query"`
}

func (h *Handler) aiAsk(w http.ResponseWriter, req *http.Request) {
	reqID := httpserver.RequestIDFromContext(req.Context())
	var in aiAskRequest
	if !decode(w, req, &in) {
		return
	}
	if strings.TrimSpace(in.Query) == "" {
		api.BadRequest(w, "EMPTY_QUERY", "query is required", reqID, nil)
		return
	}
	resp, err := h.opts.Upstream.AskAI(req.Context(), in.Query)
	switch {
	case err == nil:
		api.WriteJSON(w, http.StatusOK, resp)
	case upstream.IsTransient(err):
		if qerr := h.opts.Queue.Enqueue(req.Context(), syncqueue.KindAIQuery, syncqueue.AIQueryPayload{
			Query: in.Query,
		}); qerr != nil {
			h.log.Error("queue ai query", zap.Error(qerr))
			api.Internal(w, reqID)
			return
		}
		api.WriteJSON(w, http.StatusAccepted, map[string]any{"queued": true})
	default:
		h.writeUpstreamError(w, reqID, err)
	}
}

type aiRateRequest struct {
	Rating int `json:"rating"`
}

func (h *Handler) aiRate(w http.ResponseWriter, req *http.Request) {
	reqID := httpserver.RequestIDFromContext(req.Context())
	queryID := chi.URLParam(req, "queryID")
	var in aiRateRequest
	if !decode(w, req, &in) {
		return
	}
	if in.Rating < 1 || in.Rating > 5 {
		api.BadRequest(w, "INVALID_RATING", "rating must be between 1 and 5", reqID, nil)
		return
	}
	resp, err := h.opts.Upstream.RateAI(req.Context(), queryID, in.Rating)
	if err != nil {
		h.writeUpstreamError(w, reqID, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

type queuedActionView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) queueStatus(w http.ResponseWriter, req *http.Request) {
	reqID := httpserver.RequestIDFromContext(req.Context())
	pending, err := h.opts.Queue.Pending(req.Context())
	if err != nil {
		h.log.Error("queue snapshot", zap.Error(err))
		api.Internal(w, reqID)
		return
	}
	views := make([]queuedActionView, 0, len(pending))
	for _, a := range pending {
		views = append(views, queuedActionView{ID: a.ID, Kind: string(a.Kind), CreatedAt: a.CreatedAt})
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"count": len(views), "pending": views})
}

func (h *Handler) queueFlush(w http.ResponseWriter, req *http.Request) {
	res := h.opts.Queue.Flush(req.Context())
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"replayed": res.Replayed,
		"failed":   res.Failed,
		"rejected": res.Rejected,
	})
}

func (h *Handler) lookup(w http.ResponseWriter, req *http.Request) *managedSession {
	id := chi.URLParam(req, "id")
	h.mu.Lock()
	ms := h.sessions[id]
	h.mu.Unlock()
	if ms == nil {
		api.NotFound(w, "SESSION_NOT_FOUND", "no such session", httpserver.RequestIDFromContext(req.Context()))
		return nil
	}
	return ms
}

func (h *Handler) stateOf(ms *managedSession) sessionStateResponse {
	resp := sessionStateResponse{
		SessionID:  ms.id,
		MaterialID: ms.materialID,
		Gated:      ms.gated,
	}
	if ms.gated {
		resp.State = string(ms.sess.State())
		resp.ElapsedSeconds = ms.sess.Elapsed()
		return resp
	}
	h.mu.Lock()
	playing := ms.playing
	h.mu.Unlock()
	if playing {
		resp.State = string(preview.StatePlaying)
	} else {
		resp.State = string(preview.StateIdle)
	}
	return resp
}

func (h *Handler) setPlaying(ms *managedSession, playing bool) {
	h.mu.Lock()
	ms.playing = playing
	h.mu.Unlock()
}

// writeUpstreamError maps the client error taxonomy onto the envelope:
// business rejections keep their upstream status, throttling surfaces as
// 429, anything unreachable is a bad gateway.
func (h *Handler) writeUpstreamError(w http.ResponseWriter, reqID string, err error) {
	var rej *upstream.RejectedError
	switch {
	case errors.As(err, &rej):
		status := rej.Status
		if status < 400 || status > 499 {
			status = http.StatusUnprocessableEntity
		}
		code := rej.Code
		if code == "" {
			code = "UPSTREAM_REJECTED"
		}
		api.WriteError(w, status, code, rej.Message, reqID, nil)
	case errors.Is(err, upstream.ErrRateLimited):
		api.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "upstream is throttling, try again shortly", reqID, nil)
	case upstream.IsTransient(err):
		api.BadGateway(w, "UPSTREAM_UNAVAILABLE", "platform is unreachable", reqID)
	default:
		h.log.Error("upstream call failed", zap.Error(err))
		api.Internal(w, reqID)
	}
}

// decode fills dst from the request body. An empty body is acceptable and
// leaves dst zeroed (pings and parameterless commands send nothing).
func decode(w http.ResponseWriter, req *http.Request, dst any) bool {
	err := json.NewDecoder(req.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		api.BadRequest(w, "BAD_JSON", "request body is not valid JSON", httpserver.RequestIDFromContext(req.Context()), nil)
		return false
	}
	return true
}
