package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/cron"
	"github.com/basket/go-relay/internal/session"
)

// CronService is the part of *cron.Scheduler the admin API drives.
type CronService interface {
	Add(ctx context.Context, job cron.Job) (cron.Job, error)
	Remove(ctx context.Context, id string) error
	Enable(ctx context.Context, id string) (cron.Job, error)
	Disable(ctx context.Context, id string) (cron.Job, error)
	RunNow(ctx context.Context, id string) error
	Get(id string) (cron.Job, bool)
	List(includeDisabled bool) []cron.Job
}

// ChannelStatus is the part of *channels.Manager the admin API reports on.
type ChannelStatus interface {
	Channels() map[string]bool
	Queued() int
}

type AdminConfig struct {
	Sessions  *session.Manager
	Engine    Engine
	Cron      CronService
	Channels  ChannelStatus
	Heartbeat *Heartbeat
	Bus       *bus.Bus
	// AuthToken is required on every route except /healthz when set.
	AuthToken    string
	AllowOrigins []string
	// RequestsPerMinute and Burst size the per-client rate limit.
	RequestsPerMinute int
	Burst             int
	Logger            *slog.Logger
}

// Admin serves the operator HTTP API: health, sessions, cron jobs and a
// websocket feed of bus events.
type Admin struct {
	cfg     AdminConfig
	auth    *TokenAuth
	limiter *RateLimiter
	logger  *slog.Logger
	started time.Time
}

func NewAdmin(cfg AdminConfig) *Admin {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Admin{
		cfg:     cfg,
		auth:    NewTokenAuth(cfg.AuthToken, "/healthz"),
		limiter: NewRateLimiter(cfg.RequestsPerMinute, cfg.Burst, "/healthz"),
		logger:  cfg.Logger.With("component", "admin"),
		started: time.Now(),
	}
}

func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /api/sessions", a.handleListSessions)
	mux.HandleFunc("DELETE /api/sessions/{channel}/{chat_id}", a.handleResetSession)
	mux.HandleFunc("GET /api/cron", a.handleListCron)
	mux.HandleFunc("POST /api/cron", a.handleAddCron)
	mux.HandleFunc("GET /api/cron/{id}", a.handleGetCron)
	mux.HandleFunc("DELETE /api/cron/{id}", a.handleRemoveCron)
	mux.HandleFunc("POST /api/cron/{id}/enable", a.handleSetCronEnabled(true))
	mux.HandleFunc("POST /api/cron/{id}/disable", a.handleSetCronEnabled(false))
	mux.HandleFunc("POST /api/cron/{id}/run", a.handleRunCron)
	mux.HandleFunc("POST /api/heartbeat/run", a.handleRunHeartbeat)
	mux.HandleFunc("GET /ws/events", a.handleEvents)
	return a.limiter.Wrap(a.auth.Wrap(mux))
}

// ListenAndServe serves the admin API on addr until ctx is done.
func (a *Admin) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

func (a *Admin) Serve(ctx context.Context, ln net.Listener) error {
	if !a.auth.Enabled() && !isLoopback(ln.Addr()) {
		a.logger.Warn("admin API is unauthenticated on a non-loopback address", "addr", ln.Addr().String())
	}
	a.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("admin API listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func isLoopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	return ok && tcp.IP.IsLoopback()
}

type engineView struct {
	Mode     string `json:"mode"`
	State    string `json:"state"`
	PID      int    `json:"pid,omitempty"`
	InFlight int    `json:"in_flight"`
	Restarts int    `json:"restarts"`
	Sessions int    `json:"agent_sessions"`
}

func (a *Admin) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"uptime_seconds": int64(time.Since(a.started).Seconds()),
	}
	healthy := true
	if a.cfg.Engine != nil {
		st := a.cfg.Engine.Status()
		payload["engine"] = engineView{
			Mode:     st.Mode,
			State:    string(st.State),
			PID:      st.PID,
			InFlight: st.InFlight,
			Restarts: st.Restarts,
			Sessions: st.Sessions,
		}
	}
	if a.cfg.Sessions != nil {
		degraded := a.cfg.Sessions.Degraded()
		healthy = healthy && !degraded
		payload["sessions"] = a.cfg.Sessions.Len()
		payload["store_degraded"] = degraded
	}
	if a.cfg.Channels != nil {
		payload["channels"] = a.cfg.Channels.Channels()
		payload["queued"] = a.cfg.Channels.Queued()
	}
	if a.cfg.Cron != nil {
		payload["cron_jobs"] = len(a.cfg.Cron.List(true))
	}
	payload["healthy"] = healthy

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

type sessionView struct {
	Channel        string    `json:"channel"`
	ChatID         string    `json:"chat_id"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
	TurnCount      int       `json:"turn_count"`
}

func (a *Admin) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Sessions == nil {
		writeError(w, http.StatusNotFound, "sessions unavailable")
		return
	}
	q := r.URL.Query()
	list := a.cfg.Sessions.List(session.Filter{Channel: q.Get("channel"), ChatID: q.Get("chat_id")})
	out := make([]sessionView, 0, len(list))
	for _, s := range list {
		out = append(out, sessionView{
			Channel:        s.Key.Channel,
			ChatID:         s.Key.ChatID,
			AgentSessionID: s.AgentSessionID,
			CreatedAt:      s.CreatedAt,
			LastActiveAt:   s.LastActiveAt,
			TurnCount:      s.TurnCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (a *Admin) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Sessions == nil {
		writeError(w, http.StatusNotFound, "sessions unavailable")
		return
	}
	key := session.Key{Channel: r.PathValue("channel"), ChatID: r.PathValue("chat_id")}
	if _, ok := a.cfg.Sessions.Get(key); !ok {
		writeError(w, http.StatusNotFound, "no session for "+key.String())
		return
	}
	if err := a.cfg.Sessions.Invalidate(r.Context(), key, "admin_reset"); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cronRequest is the body of POST /api/cron. Exactly one of every_seconds,
// expr or at selects the schedule.
type cronRequest struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	EverySeconds int64     `json:"every_seconds"`
	Expr         string    `json:"expr"`
	TZ           string    `json:"tz"`
	At           time.Time `json:"at"`
	Message      string    `json:"message"`
	Channel      string    `json:"channel"`
	ChatID       string    `json:"chat_id"`
	Silent       bool      `json:"silent"`
	Enabled      *bool     `json:"enabled"`
}

func (req cronRequest) job() (cron.Job, error) {
	var sched cron.Schedule
	set := 0
	if req.EverySeconds != 0 {
		sched = cron.Every(time.Duration(req.EverySeconds) * time.Second)
		set++
	}
	if req.Expr != "" {
		sched = cron.Expr(req.Expr, req.TZ)
		set++
	}
	if !req.At.IsZero() {
		sched = cron.At(req.At)
		set++
	}
	if set != 1 {
		return cron.Job{}, fmt.Errorf("%w: set exactly one of every_seconds, expr or at", cron.ErrScheduleInvalid)
	}
	if req.TZ != "" && req.Expr == "" {
		return cron.Job{}, fmt.Errorf("%w: tz can only be used with expr", cron.ErrScheduleInvalid)
	}
	if strings.TrimSpace(req.Message) == "" {
		return cron.Job{}, errors.New("message is required")
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return cron.Job{
		ID:       req.ID,
		Name:     req.Name,
		Schedule: sched,
		Message:  req.Message,
		Target:   session.Key{Channel: req.Channel, ChatID: req.ChatID},
		Enabled:  enabled,
		Silent:   req.Silent,
	}, nil
}

func (a *Admin) handleListCron(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Cron == nil {
		writeError(w, http.StatusNotFound, "scheduler unavailable")
		return
	}
	all := r.URL.Query().Get("all")
	jobs := a.cfg.Cron.List(all == "1" || all == "true")
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *Admin) handleAddCron(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Cron == nil {
		writeError(w, http.StatusNotFound, "scheduler unavailable")
		return
	}
	var req cronRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	job, err := req.job()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err = a.cfg.Cron.Add(r.Context(), job)
	if err != nil {
		writeCronError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (a *Admin) handleGetCron(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Cron == nil {
		writeError(w, http.StatusNotFound, "scheduler unavailable")
		return
	}
	job, ok := a.cfg.Cron.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "cron job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *Admin) handleRemoveCron(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Cron == nil {
		writeError(w, http.StatusNotFound, "scheduler unavailable")
		return
	}
	if err := a.cfg.Cron.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeCronError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) handleSetCronEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Cron == nil {
			writeError(w, http.StatusNotFound, "scheduler unavailable")
			return
		}
		var (
			job cron.Job
			err error
		)
		if enabled {
			job, err = a.cfg.Cron.Enable(r.Context(), r.PathValue("id"))
		} else {
			job, err = a.cfg.Cron.Disable(r.Context(), r.PathValue("id"))
		}
		if err != nil {
			writeCronError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (a *Admin) handleRunCron(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Cron == nil {
		writeError(w, http.StatusNotFound, "scheduler unavailable")
		return
	}
	id := r.PathValue("id")
	if err := a.cfg.Cron.RunNow(r.Context(), id); err != nil {
		if errors.Is(err, cron.ErrNotFound) {
			writeCronError(w, err)
			return
		}
		// The run happened; the injection was refused.
		job, _ := a.cfg.Cron.Get(id)
		writeJSON(w, http.StatusAccepted, map[string]any{"job": job, "error": err.Error()})
		return
	}
	job, _ := a.cfg.Cron.Get(id)
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (a *Admin) handleRunHeartbeat(w http.ResponseWriter, _ *http.Request) {
	if a.cfg.Heartbeat == nil {
		writeError(w, http.StatusNotFound, "heartbeat disabled")
		return
	}
	queued, err := a.cfg.Heartbeat.RunOnce()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
}

func writeCronError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cron.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, cron.ErrDuplicateID):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, cron.ErrScheduleInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// eventFrame is one bus event as sent on /ws/events.
type eventFrame struct {
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// handleEvents streams bus events to a websocket client. The optional topic
// query parameter narrows the feed to a topic prefix.
func (a *Admin) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Bus == nil {
		writeError(w, http.StatusNotFound, "event bus unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	// topic=cron.,turn. narrows the feed to several prefixes.
	sub := a.cfg.Bus.SubscribeMatching(0, strings.Split(r.URL.Query().Get("topic"), ",")...)
	defer a.cfg.Bus.Unsubscribe(sub)
	a.logger.Info("events client connected", "remote", r.RemoteAddr)

	// Clients only listen; CloseRead handles pings and notices disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("events client disconnected", "remote", r.RemoteAddr, "dropped", sub.Dropped())
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, eventFrame{Topic: ev.Topic, Time: ev.At.UTC(), Payload: ev.Payload})
			cancel()
			if err != nil {
				a.logger.Debug("events write failed", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
