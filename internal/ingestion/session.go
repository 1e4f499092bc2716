// Package ingestion implements the WebSocket ingestion farm: N sessions
// against the upstream feed, each carrying a slice of the global quote
// subscription budget, with volume-driven rebalancing and exponential
// backoff reconnection. The per-session read/reconnect loop is grounded on
// the teacher's reader/okx/fobd.go stream()/processMessage() loop; the
// dial-subscribe-ping structure carries over directly, repointed at the
// vendor options feed's auth/subscribe frames instead of OKX's.
package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"optionsflow/internal/model"
	"optionsflow/logger"
)

// upstreamEnvelope is a single element of the upstream's JSON array frame.
// ev discriminates trade / quote / status messages.
type upstreamEnvelope struct {
	Ev string `json:"ev"`

	Sym string  `json:"sym"`
	P   float64 `json:"p"`
	S   int     `json:"s"`
	X   int     `json:"x"`
	C   []int   `json:"c"`
	T   int64   `json:"t"`
	Q   int64   `json:"q"`

	BP float64 `json:"bp"`
	AP float64 `json:"ap"`
	BS int     `json:"bs"`
	AS int     `json:"as"`

	Status string `json:"status"`
}

type controlFrame struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

// positiveAuthStatus is the status value the upstream sends once it has
// actually accepted the auth frame, as opposed to "status" frames used for
// other informational purposes.
const positiveAuthStatus = "auth_success"

// authSignal is fired once per connection the first time a positive status
// frame arrives, so authenticateAndResubscribe can wait on it alongside the
// grace timer. A fresh authSignal is created for every dial, since a status
// frame from a prior connection says nothing about this one.
type authSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newAuthSignal() *authSignal {
	return &authSignal{ch: make(chan struct{})}
}

func (a *authSignal) fire() {
	a.once.Do(func() { close(a.ch) })
}

// TradeHandler is invoked for every trade event a session decodes.
type TradeHandler func(sessionID int, trade model.RawTrade)

// QuoteHandler is invoked for every quote event a session decodes.
type QuoteHandler func(q model.Quote)

// SessionConfig carries the parameters a Session needs that are shared
// across the farm but not mutated by it.
type SessionConfig struct {
	URL                  string
	APIKey               string
	AuthGracePeriod      time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	RateLimiter          *rate.Limiter
}

// Session owns one WebSocket connection to the upstream feed and the
// subscription set currently active on it. A session is single-reader:
// only its own stream() goroutine reads from the connection. Control frames
// and pings are written from other goroutines (send, pingLoop).
type Session struct {
	id  int
	cfg SessionConfig
	log *logger.Entry

	onTrade TradeHandler
	onQuote QuoteHandler

	mu            sync.Mutex
	subscriptions map[string]struct{}
	authenticated bool
	connected     bool
	conn          *websocket.Conn
	authSig       *authSignal

	dialer func(url string) (*websocket.Conn, error)
}

// NewSession builds a Session with the given id and handlers.
func NewSession(id int, cfg SessionConfig, onTrade TradeHandler, onQuote QuoteHandler) *Session {
	return &Session{
		id:            id,
		cfg:           cfg,
		log:           logger.GetLogger().WithComponent("ingestion_session").WithFields(logger.Fields{"session": id}),
		onTrade:       onTrade,
		onQuote:       onQuote,
		subscriptions: make(map[string]struct{}),
		dialer: func(url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			return conn, err
		},
	}
}

// Connected reports whether the session currently holds an open, readable
// connection. Used by the supervisor's health endpoint.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Subscriptions returns a snapshot of the session's current subscription set.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscriptions))
	for ch := range s.subscriptions {
		out = append(out, ch)
	}
	return out
}

// Run drives the session's connect/read/reconnect loop until ctx is
// cancelled. On reconnect, the prior subscription set is restored verbatim.
func (s *Session) Run(ctx context.Context) {
	attempts := 0
	backoff := s.cfg.ReconnectInterval

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dialer(s.cfg.URL)
		if err != nil {
			attempts++
			s.log.WithError(err).Warn("failed to connect, retrying")
			if s.cfg.MaxReconnectAttempts > 0 && attempts > s.cfg.MaxReconnectAttempts {
				s.log.Error("exceeded max reconnect attempts, giving up")
				return
			}
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, s.cfg.ReconnectInterval)
			continue
		}

		attempts = 0
		backoff = s.cfg.ReconnectInterval
		s.setConn(conn)

		sig := newAuthSignal()
		s.setAuthSignal(sig)

		// stream() must be reading before authenticateAndResubscribe waits on
		// sig, otherwise a positive status frame sent early by the upstream
		// would sit unread on the socket instead of firing the signal.
		streamDone := make(chan struct{})
		go func() {
			s.stream(ctx, conn)
			close(streamDone)
		}()

		s.authenticateAndResubscribe(ctx, conn, sig)

		<-streamDone

		s.setConn(nil)
		s.setAuthenticated(false)
		s.setAuthSignal(nil)

		if !sleepOrDone(ctx, s.cfg.ReconnectInterval) {
			return
		}
	}
}

// setConn records the session's live connection (nil once it drops), which
// Subscribe/Unsubscribe consult to decide whether a control frame can be
// sent immediately or must wait for the next authenticateAndResubscribe pass.
func (s *Session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.connected = conn != nil
	s.mu.Unlock()
}

func (s *Session) setAuthenticated(v bool) {
	s.mu.Lock()
	s.authenticated = v
	s.mu.Unlock()
}

func (s *Session) setAuthSignal(sig *authSignal) {
	s.mu.Lock()
	s.authSig = sig
	s.mu.Unlock()
}

func (s *Session) currentAuthSignal() *authSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authSig
}

// authenticateAndResubscribe sends the auth frame, then waits for the
// session to be considered authenticated: open for the configured grace
// period *and* having received a positive status frame, whichever
// condition is satisfied later. If no positive status frame ever arrives,
// the connection is abandoned after a bounded multiple of the grace period
// so Run's loop can redial rather than waiting forever.
func (s *Session) authenticateAndResubscribe(ctx context.Context, conn *websocket.Conn, sig *authSignal) {
	s.send(ctx, conn, controlFrame{Action: "auth", Params: s.cfg.APIKey})

	select {
	case <-time.After(s.cfg.AuthGracePeriod):
	case <-ctx.Done():
		return
	}

	giveUp := time.NewTimer(4 * s.cfg.AuthGracePeriod)
	defer giveUp.Stop()

	select {
	case <-sig.ch:
	case <-ctx.Done():
		return
	case <-giveUp.C:
		s.log.Warn("no positive auth status frame received, abandoning connection")
		conn.Close()
		return
	}

	s.setAuthenticated(true)

	for _, ch := range s.Subscriptions() {
		s.send(ctx, conn, controlFrame{Action: "subscribe", Params: ch})
	}
}

// Subscribe adds channel to the session's subscription set and, if the
// session currently holds a live, authenticated connection, sends the
// subscribe frame immediately. If the session is mid-reconnect, the channel
// is picked up by the next authenticateAndResubscribe pass instead — the
// set itself is always the source of truth for what a (re)connect restores.
func (s *Session) Subscribe(ctx context.Context, channel string) {
	s.mu.Lock()
	s.subscriptions[channel] = struct{}{}
	conn := s.conn
	authenticated := s.authenticated
	s.mu.Unlock()

	if conn != nil && authenticated {
		s.send(ctx, conn, controlFrame{Action: "subscribe", Params: channel})
	}
}

// Unsubscribe removes channel from the session's subscription set and, if
// the session currently holds a live, authenticated connection, sends the
// unsubscribe frame immediately.
func (s *Session) Unsubscribe(ctx context.Context, channel string) {
	s.mu.Lock()
	delete(s.subscriptions, channel)
	conn := s.conn
	authenticated := s.authenticated
	s.mu.Unlock()

	if conn != nil && authenticated {
		s.send(ctx, conn, controlFrame{Action: "unsubscribe", Params: channel})
	}
}

func (s *Session) send(ctx context.Context, conn *websocket.Conn, frame controlFrame) {
	if s.cfg.RateLimiter != nil {
		if err := s.cfg.RateLimiter.Wait(ctx); err != nil {
			return
		}
	}
	if err := conn.WriteJSON(frame); err != nil {
		s.log.WithError(err).Warn("failed to write control frame")
	}
}

// stream reads frames until the connection errs or ctx is cancelled. Each
// frame is a JSON array of envelopes, matching the upstream wire format.
func (s *Session) stream(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	go s.pingLoop(ctx, conn, done)
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.WithError(err).Warn("websocket read error, reconnecting")
			return
		}
		s.dispatch(raw)
	}
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

func (s *Session) dispatch(raw []byte) {
	var envelopes []upstreamEnvelope
	if err := json.Unmarshal(raw, &envelopes); err != nil {
		// a single object is also accepted, matching vendors that don't
		// always batch frames into an array
		var single upstreamEnvelope
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			s.log.WithError(err).Debug("failed to decode frame")
			return
		}
		envelopes = []upstreamEnvelope{single}
	}

	for _, e := range envelopes {
		switch e.Ev {
		case "T":
			if s.onTrade != nil {
				s.onTrade(s.id, model.RawTrade{
					ContractSymbol: e.Sym,
					Price:          e.P,
					Size:           e.S,
					ExchangeID:     e.X,
					Conditions:     e.C,
					SourceTimeMS:   e.T / int64(time.Millisecond),
					Sequence:       e.Q,
				})
			}
		case "Q":
			if s.onQuote != nil {
				s.onQuote(model.Quote{
					ContractSymbol: e.Sym,
					Bid:            e.BP,
					Ask:            e.AP,
					BidSize:        e.BS,
					AskSize:        e.AS,
					SourceTime:     time.Unix(0, e.T),
				})
			}
		case "status":
			if e.Status != "" {
				s.log.WithFields(logger.Fields{"status": e.Status}).Debug("status frame")
			}
			if e.Status == positiveAuthStatus {
				if sig := s.currentAuthSignal(); sig != nil {
					sig.fire()
				}
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(current, base time.Duration) time.Duration {
	next := current * 2
	cap := base * 16
	if next > cap {
		next = cap
	}
	return next
}

// quoteChannel renders the quote channel name for a contract, following the
// vendor's "Q.<symbol>" channel naming.
func quoteChannel(contractSymbol string) string {
	return fmt.Sprintf("Q.%s", contractSymbol)
}
