// Package httpapi exposes the service's outer surface: the Twilio inbound
// call webhook, the media stream websocket, the synthesized clip files, and
// the health and metrics endpoints.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dpalomar/voxline/internal/config"
	"github.com/dpalomar/voxline/internal/observability"
	"github.com/dpalomar/voxline/internal/protocol"
	"github.com/dpalomar/voxline/internal/session"
	"github.com/dpalomar/voxline/internal/twilio"
)

const greeting = "Hola, ¿en qué puedo ayudarte?"

type Server struct {
	cfg      config.Config
	calls    *session.Registry
	metrics  *observability.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader
	audio    http.Handler
}

// New builds the server. audioDir is where synthesized clips live; it is
// served read-only under /audio/.
func New(cfg config.Config, calls *session.Registry, metrics *observability.Metrics, audioDir string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		calls:   calls,
		metrics: metrics,
		log:     log,
		audio:   http.FileServer(http.Dir(audioDir)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Twilio's media stream client sends no Origin header.
				// Browsers must match the host.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/incoming", s.handleIncomingCall)
	r.Get(s.cfg.MediaWSPath+"/{callSID}", s.handleMediaStream)
	r.Handle("/audio/*", http.StripPrefix("/audio/", s.audio))

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","active_calls":` + strconv.Itoa(s.calls.ActiveCount()) + `}`))
}

// handleIncomingCall answers Twilio's inbound call webhook with the document
// that opens the media stream back to this service.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	callSID := strings.TrimSpace(r.FormValue("CallSid"))

	w.Header().Set("Content-Type", "application/xml")
	if s.cfg.PublicHost == "" {
		s.log.Error("inbound call but no public host configured", "call_sid", callSID)
		w.Write([]byte(twilio.RejectTwiML("El servicio no está disponible en este momento.")))
		return
	}

	s.metrics.CallEvents.WithLabelValues("incoming").Inc()
	s.log.Info("inbound call", "call_sid", callSID)
	w.Write([]byte(twilio.StreamTwiML(s.cfg.MediaStreamURL(callSID), greeting)))
}

// handleMediaStream upgrades to a websocket and pumps the Twilio media
// stream into the call's turn-taking state machine until the stream ends.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	callSID := strings.TrimSpace(chi.URLParam(r, "callSID"))
	if callSID == "" {
		http.Error(w, "missing call sid", http.StatusBadRequest)
		return
	}

	call, err := s.calls.Create(callSID)
	if err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			s.log.Warn("rejecting duplicate media stream", "call_sid", callSID)
			http.Error(w, "call already streaming", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Stop the session's silence watcher too, not just the registry
		// entry, or a failed handshake leaks the goroutine.
		call.OnDisconnect(r.Context())
		s.calls.Remove(callSID)
		return
	}
	defer conn.Close()

	s.metrics.CallEvents.WithLabelValues("stream_connected").Inc()
	s.log.Info("media stream connected", "call_sid", callSID)

	defer func() {
		call.OnDisconnect(context.Background())
		s.calls.Remove(callSID)
		s.metrics.CallEvents.WithLabelValues("stream_closed").Inc()
		s.log.Info("media stream closed", "call_sid", callSID)
	}()

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseStreamMessage(data)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnsupportedEvent) {
				s.metrics.DroppedFrames.Inc()
				s.log.Debug("dropping unparseable stream message", "call_sid", callSID, "err", err)
			}
			continue
		}

		switch msg := parsed.(type) {
		case protocol.Media:
			call.OnAudioFrame(msg.Media.Payload)
		case protocol.Stop:
			s.metrics.CallEvents.WithLabelValues("stream_stop").Inc()
			call.OnStreamStop(r.Context())
			return
		case protocol.Start:
			s.log.Info("media stream started", "call_sid", callSID, "stream_sid", msg.Start.StreamSID)
		case protocol.Connected, protocol.Mark:
			// No session effect.
		}
	}
}

const readIdleTimeout = 120 * time.Second
