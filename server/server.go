package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tuzkov/camscreen/camera"
	"github.com/tuzkov/camscreen/medialib"
	"github.com/tuzkov/camscreen/service"
)

type Server interface {
	Start() error
	Shutdown(ctx context.Context) error
	Handler() http.Handler
}

type server struct {
	log *slog.Logger
	cfg *Config

	httpSrv  *http.Server
	svc      service.Screen
	upgrader websocket.Upgrader
}

type Config struct {
	service.Config

	Addr     string
	LogLevel string
}

func NewServer(log *slog.Logger, cfg *Config, svc service.Screen) Server {
	if log == nil {
		log = slog.Default()
	}
	srv := &server{
		log: log.With("svc", "server"),
		cfg: cfg,

		svc: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	// long-lived handlers (stream, events) end when shutdown starts
	baseCtx, cancel := context.WithCancel(context.Background())
	srv.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.httpSrv.RegisterOnShutdown(cancel)
	return srv
}

func (srv *server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /capture", srv.control("capture", srv.svc.Capture))
	mux.HandleFunc("POST /record/start", srv.control("record start", srv.svc.StartRecording))
	mux.HandleFunc("POST /record/stop", srv.control("record stop", srv.svc.StopRecording))
	mux.HandleFunc("POST /flip", srv.control("flip", srv.svc.Flip))
	mux.HandleFunc("POST /flash", srv.control("flash", srv.svc.ToggleFlash))
	mux.HandleFunc("POST /timer", srv.StartTimer)
	mux.HandleFunc("POST /timer/cancel", srv.control("timer cancel", srv.svc.CancelTimer))
	mux.HandleFunc("POST /filter", srv.SetFilter)
	mux.HandleFunc("POST /speed", srv.SetSpeed)
	mux.HandleFunc("POST /pick/sound", srv.pick("pick sound", srv.svc.PickSound))
	mux.HandleFunc("POST /pick/media", srv.pick("pick media", srv.svc.PickMedia))

	mux.HandleFunc("GET /status", srv.Status)
	mux.HandleFunc("GET /snapshot", srv.Snapshot)
	mux.HandleFunc("GET /stream", srv.Stream)
	mux.HandleFunc("GET /events", srv.Events)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /media/",
		http.StripPrefix("/media/",
			http.FileServer(http.Dir(srv.cfg.Camera.OutputDir))))

	return mux
}

func (srv *server) Start() error {
	srv.log.Info("listening", "addr", srv.httpSrv.Addr)
	if err := srv.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (srv *server) Shutdown(ctx context.Context) error {
	return srv.httpSrv.Shutdown(ctx)
}

// statusFor maps screen errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, camera.ErrNotBound),
		errors.Is(err, camera.ErrDeviceUnavailable),
		errors.Is(err, camera.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, camera.ErrRebindConflict),
		errors.Is(err, camera.ErrAlreadyRecording),
		errors.Is(err, camera.ErrBusy),
		errors.Is(err, service.ErrNoMedia):
		return http.StatusConflict
	case errors.Is(err, camera.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, camera.ErrInvalidTimer),
		errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (srv *server) fail(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		srv.log.Error(op+" failed", "err", err)
	} else {
		srv.log.Debug(op+" rejected", "err", err, "code", code)
	}
	http.Error(w, err.Error(), code)
}

func (srv *server) control(op string, fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		srv.log.Debug(op + " call")
		if err := fn(req.Context()); err != nil {
			srv.fail(w, op, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (srv *server) pick(op string, fn func(ctx context.Context) (*medialib.Item, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		srv.log.Debug(op + " call")
		item, err := fn(req.Context())
		if err != nil {
			srv.fail(w, op, err)
			return
		}
		if item == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		srv.writeJSON(w, item)
	}
}

func (srv *server) StartTimer(w http.ResponseWriter, req *http.Request) {
	seconds := 0
	if s := req.URL.Query().Get("seconds"); s != "" {
		var err error
		seconds, err = strconv.Atoi(s)
		if err != nil {
			http.Error(w, fmt.Sprintf("bad seconds %q", s), http.StatusBadRequest)
			return
		}
	}
	srv.control("timer", func(ctx context.Context) error {
		return srv.svc.StartTimer(ctx, seconds)
	})(w, req)
}

func (srv *server) SetFilter(w http.ResponseWriter, req *http.Request) {
	name := req.URL.Query().Get("name")
	srv.control("filter", func(ctx context.Context) error {
		return srv.svc.SetFilter(ctx, name)
	})(w, req)
}

func (srv *server) SetSpeed(w http.ResponseWriter, req *http.Request) {
	speed := 0.0
	if s := req.URL.Query().Get("value"); s != "" {
		var err error
		speed, err = strconv.ParseFloat(s, 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("bad speed %q", s), http.StatusBadRequest)
			return
		}
	}
	srv.control("speed", func(ctx context.Context) error {
		return srv.svc.SetPlaybackSpeed(ctx, speed)
	})(w, req)
}

func (srv *server) Status(w http.ResponseWriter, req *http.Request) {
	st, err := srv.svc.Status(req.Context())
	if err != nil {
		srv.fail(w, "status", err)
		return
	}
	srv.writeJSON(w, st)
}

func (srv *server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.log.Error("fail to write response", "err", err)
	}
}

func (srv *server) Snapshot(w http.ResponseWriter, req *http.Request) {
	srv.log.Debug("Snapshot call")

	ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
	defer cancel()

	stream, err := srv.svc.Preview(ctx)
	if err != nil {
		srv.fail(w, "snapshot", err)
		return
	}

	var frame []byte
	select {
	case frame = <-stream:
	case <-ctx.Done():
	}
	if frame == nil {
		http.Error(w, "no frame", http.StatusGatewayTimeout)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	if _, err := w.Write(frame); err != nil {
		srv.log.Error("Snapshot write error", "err", err)
	}
}

func (srv *server) Stream(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	stream, err := srv.svc.Preview(ctx)
	if err != nil {
		srv.fail(w, "stream", err)
		return
	}
	srv.log.Info("Started stream")

	const boundary = `frame`
	w.Header().Set("Content-Type", `multipart/x-mixed-replace;boundary=`+boundary)
	mpWriter := multipart.NewWriter(w)
	mpWriter.SetBoundary(boundary)

	defer func() {
		srv.log.Info("Finished stream")
		// drain until the preview goroutine closes the stream
		for range stream {
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-stream:
			if !ok {
				return
			}

			iw, err := mpWriter.CreatePart(textproto.MIMEHeader{
				"Content-Type":   []string{"image/jpeg"},
				"Content-Length": []string{strconv.Itoa(len(frame))},
			})
			if err != nil {
				srv.log.Error("fail to send part", "err", err)
				return
			}

			if _, err := iw.Write(frame); err != nil {
				srv.log.Error("fail to write part", "err", err)
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

// Events streams notifications to a websocket client as JSON messages.
func (srv *server) Events(w http.ResponseWriter, req *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, req, nil)
	if err != nil {
		srv.log.Error("fail to upgrade websocket", "err", err)
		return
	}
	defer conn.Close()
	srv.log.Info("events client connected", "remote", req.RemoteAddr)

	notes, unsubscribe := srv.svc.Subscribe()
	defer unsubscribe()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			srv.log.Info("events client disconnected", "remote", req.RemoteAddr)
			return
		case <-req.Context().Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case n, ok := <-notes:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "camera released"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(n); err != nil {
				srv.log.Warn("fail to write event", "err", err)
				return
			}
		}
	}
}
