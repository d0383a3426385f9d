package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/history"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/pkg/audio"
)

// maxUploadBytes caps a WAV upload: ten minutes of 48 kHz stereo.
const maxUploadBytes = 10 * 60 * 48000 * 2 * 2

// Handler returns the HTTP API:
//
//	POST   /v1/transcriptions     WAV body; ?language=xx&save=false
//	GET    /v1/history            ?limit=N&q=text
//	GET    /v1/history/stats
//	GET    /v1/history/{id}
//	PATCH  /v1/history/{id}       {"text": "..."}
//	DELETE /v1/history/{id}
//	GET    /healthz, /readyz, /metrics
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transcriptions", a.handleTranscribe)
	mux.HandleFunc("GET /v1/history", a.withHistory(a.handleList))
	mux.HandleFunc("GET /v1/history/stats", a.withHistory(a.handleStats))
	mux.HandleFunc("GET /v1/history/{id}", a.withHistory(a.handleGet))
	mux.HandleFunc("PATCH /v1/history/{id}", a.withHistory(a.handleUpdate))
	mux.HandleFunc("DELETE /v1/history/{id}", a.withHistory(a.handleDelete))
	mux.Handle("GET /metrics", observe.MetricsHandler())

	checks := health.New(health.Providers(a.Breakers))
	if p, ok := a.history.(health.Pinger); ok {
		checks.Add(health.Ping("history", p))
	}
	checks.Register(mux)

	return observe.Middleware(a.metrics,
		observe.WithAccessLogger(a.log),
		observe.WithQuietRoutes("/healthz", "/readyz", "/metrics"),
	)(mux)
}

// Serve runs the HTTP API on addr until ctx is done, then shuts the server
// down gracefully.
func (a *App) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

func (a *App) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	pcm, err := audio.DecodeWAV(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	save := true
	if v := r.URL.Query().Get("save"); v != "" {
		if save, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "save must be a boolean")
			return
		}
	}

	out, err := a.Transcribe(r.Context(), Input{
		Audio:    pcm,
		Language: r.URL.Query().Get("language"),
		Save:     save,
	})
	if err != nil {
		observe.Logger(r.Context(), a.log).Error("transcription failed", "err", err)
		writeError(w, transcribeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// transcribeStatus maps a transcription failure to an HTTP status.
func transcribeStatus(err error) int {
	switch {
	case errors.Is(err, audio.ErrOddLength):
		return http.StatusBadRequest
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// withHistory answers 404 when history is disabled.
func (a *App) withHistory(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.history == nil {
			writeError(w, http.StatusNotFound, "history is disabled")
			return
		}
		h(w, r)
	}
}

func (a *App) handleList(w http.ResponseWriter, r *http.Request) {
	opts := history.ListOptions{Query: r.URL.Query().Get("q")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}
	entries, err := a.history.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	entries, err := a.history.List(r.Context(), history.ListOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history.Summarize(entries, time.Now()))
}

func (a *App) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	e, err := a.history.Get(r.Context(), id)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *App) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Text *string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil || body.Text == nil {
		writeError(w, http.StatusBadRequest, `body must be {"text": "..."}`)
		return
	}
	e, err := a.history.UpdateText(r.Context(), id, *body.Text)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *App) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.history.Delete(r.Context(), id); err != nil {
		writeHistoryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func writeHistoryError(w http.ResponseWriter, err error) {
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
