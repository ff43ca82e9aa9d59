// Package gateway exposes the coordinator over HTTP and websockets.
//
// Endpoints:
//
//	GET  /ws/status              status subscriber; one JSON envelope per status
//	GET  /ws/ingest?codec=...    synthesized audio source (pcm16 or opus frames)
//	GET  /ws/capture/{targetID}  tab audio publisher (?rate=&channels=)
//	POST /control                JSON ControlMessage (start/stop capture)
//	POST /flush                  discard queued synthesized audio
//	GET  /status                 last known mixer status
//
// Every failure on an open socket is a silent drop: the connection stays up
// and the drop is counted.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/tabvoice/internal/observe"
	"github.com/MrWong99/tabvoice/internal/protocol"
	"github.com/MrWong99/tabvoice/pkg/audio"
	"github.com/MrWong99/tabvoice/pkg/audio/opus"
	"github.com/MrWong99/tabvoice/pkg/audio/ring"
	"github.com/MrWong99/tabvoice/pkg/audio/tabcapture"
)

// maxControlBody caps the size of a POST /control request body.
const maxControlBody = 64 << 10

// maxFrame caps the size of a single websocket message.
const maxFrame = 1 << 20

// Router is the part of the coordinator the gateway drives.
type Router interface {
	Ingest(buf []byte) error
	Dispatch(msg protocol.ControlMessage) error
	Subscribe(buffer int) (*protocol.Port, func())
	LastStatus() (audio.Status, bool)
}

// Flusher discards queued synthesized audio.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Option configures a [Server].
type Option func(*Server)

// WithCaptureHub enables /ws/capture/{targetID}.
func WithCaptureHub(h *tabcapture.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithFlusher enables POST /flush.
func WithFlusher(f Flusher) Option {
	return func(s *Server) { s.flusher = f }
}

// WithSampleRate sets the rate Opus ingest is decoded at. Default:
// [audio.DefaultSampleRate].
func WithSampleRate(rate int) Option {
	return func(s *Server) { s.sampleRate = rate }
}

// WithStatusBuffer sets the queue depth of each status subscriber.
func WithStatusBuffer(n int) Option {
	return func(s *Server) { s.statusBuffer = n }
}

// WithOriginPatterns sets the origins allowed to open websockets.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server serves the gateway endpoints.
type Server struct {
	router  Router
	hub     *tabcapture.Hub
	flusher Flusher

	sampleRate   int
	statusBuffer int
	origins      []string

	metrics *observe.Metrics
	log     *slog.Logger
}

// New returns a gateway in front of router.
func New(router Router, opts ...Option) *Server {
	s := &Server{
		router:       router,
		sampleRate:   audio.DefaultSampleRate,
		statusBuffer: protocol.DefaultPortBuffer,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds the gateway routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/status", s.handleStatusSocket)
	mux.HandleFunc("GET /ws/ingest", s.handleIngest)
	mux.HandleFunc("POST /control", s.handleControl)
	mux.HandleFunc("GET /status", s.handleStatus)
	if s.hub != nil {
		mux.HandleFunc("GET /ws/capture/{targetID}", s.handleCapture)
	}
	if s.flusher != nil {
		mux.HandleFunc("POST /flush", s.handleFlush)
	}
}

// Handler returns a mux serving only the gateway routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, endpoint string) (*websocket.Conn, func(), error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		return nil, nil, err
	}
	conn.SetReadLimit(maxFrame)
	attrs := metric.WithAttributes(observe.Attr("endpoint", endpoint))
	s.metrics.WebsocketConnections.Add(r.Context(), 1, attrs)
	return conn, func() {
		s.metrics.WebsocketConnections.Add(context.WithoutCancel(r.Context()), -1, attrs)
	}, nil
}

// handleStatusSocket streams status envelopes until either side goes away.
func (s *Server) handleStatusSocket(w http.ResponseWriter, r *http.Request) {
	conn, release, err := s.accept(w, r, "status")
	if err != nil {
		s.log.Debug("gateway: status accept failed", "err", err)
		return
	}
	defer release()
	defer conn.CloseNow()

	sub, cancel := s.router.Subscribe(s.statusBuffer)
	defer cancel()

	// Subscribers only listen; CloseRead cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			conn.Close(websocket.StatusGoingAway, "coordinator stopped")
			return
		case env := <-sub.Recv():
			if err := wsjson.Write(ctx, conn, env); err != nil {
				s.log.Debug("gateway: status write failed", "err", err)
				return
			}
		}
	}
}

// handleIngest reads synthesized audio. Binary frames are audio in the
// requested codec; text frames are JSON control messages.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	decode, err := s.ingestDecoder(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, release, err := s.accept(w, r, "ingest")
	if err != nil {
		s.log.Debug("gateway: ingest accept failed", "err", err)
		return
	}
	defer release()
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.closed(conn, "ingest", err)
			return
		}
		if typ == websocket.MessageText {
			s.dispatch(ctx, data)
			continue
		}
		pcm, err := decode(data)
		if err != nil {
			s.drop(ctx, protocol.ReasonMalformed, "err", err)
			continue
		}
		if err := s.router.Ingest(pcm); err != nil {
			s.dropErr(ctx, err)
		}
	}
}

func (s *Server) ingestDecoder(codec string) (func([]byte) ([]byte, error), error) {
	switch codec {
	case "", "pcm16":
		return func(b []byte) ([]byte, error) { return b, nil }, nil
	case "opus":
		dec, err := opus.NewDecoder(s.sampleRate)
		if err != nil {
			return nil, fmt.Errorf("gateway: opus decoder: %w", err)
		}
		return dec.DecodePCM16, nil
	default:
		return nil, fmt.Errorf("gateway: unsupported codec %q", codec)
	}
}

func (s *Server) dispatch(ctx context.Context, data []byte) {
	msg, err := protocol.ParseControlMessage(data)
	if err != nil {
		s.dropErr(ctx, err)
		return
	}
	if err := s.router.Dispatch(msg); err != nil {
		s.dropErr(ctx, err)
	}
}

// handleCapture registers a tab audio publisher for the connection's
// lifetime.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	targetID := r.PathValue("targetID")
	format, err := parseFormat(r, s.sampleRate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pub, err := s.hub.Publish(targetID, format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer pub.Close()

	conn, release, err := s.accept(w, r, "capture")
	if err != nil {
		s.log.Debug("gateway: capture accept failed", "err", err)
		return
	}
	defer release()
	defer conn.CloseNow()

	s.log.Info("gateway: capture publisher connected", "target", targetID, "format", format.String())
	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.closed(conn, "capture", err)
			return
		}
		if typ != websocket.MessageBinary {
			s.drop(ctx, protocol.ReasonMalformed, "endpoint", "capture", "err", "text frame")
			continue
		}
		if err := pub.Write(data); err != nil {
			reason := protocol.ReasonMalformed
			if errors.Is(err, ring.ErrQueueFull) {
				reason = protocol.ReasonQueueFull
			}
			s.drop(ctx, reason, "endpoint", "capture", "err", err)
		}
	}
}

func parseFormat(r *http.Request, defaultRate int) (audio.Format, error) {
	f := audio.Format{SampleRate: defaultRate, Channels: 1}
	q := r.URL.Query()
	if v := q.Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("gateway: invalid rate %q", v)
		}
		f.SampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 2 {
			return f, fmt.Errorf("gateway: invalid channels %q", v)
		}
		f.Channels = n
	}
	return f, nil
}

// handleControl accepts one JSON ControlMessage.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := protocol.ParseControlMessage(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.router.Dispatch(msg); err != nil {
		reason, _ := protocol.ReasonOf(err)
		s.drop(r.Context(), reason, "endpoint", "control")
		status := http.StatusServiceUnavailable
		if reason == protocol.ReasonNoRoute {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.flusher.Flush(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, _ := s.router.LastStatus()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// closed logs why a socket ended. Normal closures and cancelled requests are
// not worth more than debug.
func (s *Server) closed(conn *websocket.Conn, endpoint string, err error) {
	switch {
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway,
		errors.Is(err, context.Canceled):
		s.log.Debug("gateway: socket closed", "endpoint", endpoint)
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		s.log.Warn("gateway: socket read failed", "endpoint", endpoint, "err", err)
	}
}

func (s *Server) drop(ctx context.Context, reason protocol.DropReason, args ...any) {
	s.log.Debug("gateway: message dropped", append([]any{"reason", reason}, args...)...)
	s.metrics.RecordDrop(ctx, "gateway", string(reason))
}

func (s *Server) dropErr(ctx context.Context, err error) {
	reason, _ := protocol.ReasonOf(err)
	s.drop(ctx, reason, "err", err)
}
