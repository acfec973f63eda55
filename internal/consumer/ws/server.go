// Package ws serves the consumer channel over WebSocket. Each connection
// is a session: it receives every bridge push as an {event, data} frame and
// may issue {id, method, params} commands answered by {id, result} or
// {id, error}.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"notibridge/internal/consumer"
	"notibridge/internal/metrics"
	logx "notibridge/pkg/logx"
)

const (
	transportName = "ws"
	maxFrameBytes = 1 << 20

	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultSendBuffer   = 256
)

// EventHello is the first frame of every session.
const EventHello = "hello"

// ErrUnauthorized is returned by Authenticate for a missing or invalid
// token.
var ErrUnauthorized = errors.New("unauthorized")

type Options struct {
	// JWTSecret enables HS256 bearer authentication when set.
	JWTSecret      string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	SendBuffer     int
	AllowedOrigins []string

	Log     logx.Logger
	Metrics *metrics.Collector
}

// Server is an http.Handler upgrading requests to consumer sessions.
type Server struct {
	opts     Options
	disp     *consumer.Dispatcher
	hub      *consumer.Hub
	log      logx.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func New(disp *consumer.Dispatcher, hub *consumer.Hub, opts Options) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	s := &Server{
		opts:     opts,
		disp:     disp,
		hub:      hub,
		log:      opts.Log.With(logx.String("comp", "consumer.ws")),
		sessions: map[string]*session{},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin accepts requests without Origin, same-host origins and the
// configured allow list ("*" allows any).
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	return strings.EqualFold(host, r.Host)
}

// Authenticate checks the HS256 bearer token of r (Authorization header or
// access_token query parameter) and returns its subject. With an empty
// secret every request passes with an empty subject.
func Authenticate(secret string, r *http.Request) (string, error) {
	if secret == "" {
		return "", nil
	}
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		tok = r.URL.Query().Get("access_token")
	}
	if tok == "" {
		return "", ErrUnauthorized
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, err := Authenticate(s.opts.JWTSecret, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()

	sess := newSession(uuid.NewString(), actor, conn, s.opts)
	if !s.add(sess) {
		return
	}
	defer s.remove(sess)

	s.opts.Metrics.SessionOpened(transportName)
	defer s.opts.Metrics.SessionClosed(transportName)
	log := s.log.With(logx.String("session", sess.id))
	log.Info("session opened", logx.String("remote", r.RemoteAddr), logx.String("actor", actor))

	detach := s.hub.Add(sess)
	defer detach()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go sess.writeLoop()
	sess.Deliver(consumer.Event{Name: EventHello, Data: map[string]any{
		"session": sess.id,
		"methods": s.disp.Methods(),
	}})

	err = sess.readLoop(ctx, s.disp)
	sess.close()
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Debug("session read ended", logx.Err(err))
	}
	log.Info("session closed")
}

func (s *Server) add(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.id] = sess
	return true
}

func (s *Server) remove(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

// Sessions reports the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close rejects new sessions and closes the open ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.shutdown()
	}
}

type session struct {
	id    string
	actor string
	conn  *websocket.Conn
	opts  Options

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newSession(id, actor string, conn *websocket.Conn, opts Options) *session {
	return &session{
		id:    id,
		actor: actor,
		conn:  conn,
		opts:  opts,
		send:  make(chan []byte, opts.SendBuffer),
		done:  make(chan struct{}),
	}
}

func (s *session) Name() string { return transportName }

// Deliver queues an event frame, dropping it if the session is behind.
func (s *session) Deliver(ev consumer.Event) bool {
	b, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

// reply queues a response frame. Responses wait for room instead of being
// dropped.
func (s *session) reply(resp consumer.Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(consumer.InvalidFrame(err))
	}
	select {
	case s.send <- b:
	case <-s.done:
	}
}

func (s *session) caller() consumer.Caller {
	actor := s.actor
	if actor == "" {
		actor = s.id
	}
	return consumer.Caller{Transport: transportName, Actor: actor}
}

func (s *session) readLoop(ctx context.Context, disp *consumer.Dispatcher) error {
	s.conn.SetReadLimit(maxFrameBytes)
	wait := 2 * s.opts.PingInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(wait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wait))

		var req consumer.Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.reply(consumer.InvalidFrame(err))
			continue
		}
		if req.Method == "" {
			s.reply(consumer.InvalidFrame(errors.New("method is required")))
			continue
		}
		s.reply(disp.Handle(ctx, s.caller(), req))
	}
}

func (s *session) writeLoop() {
	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-s.done:
			return
		case b := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.shutdown()
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.shutdown()
				return
			}
		}
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// shutdown stops the writer and closes the socket, which ends the reader.
func (s *session) shutdown() {
	s.close()
	_ = s.conn.Close()
}
