package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	apperrors "github.com/spintel/analytics-server/infrastructure/errors"
	"github.com/spintel/analytics-server/internal/auth"
	"github.com/spintel/analytics-server/internal/broker"
)

// Server → client stream message types (result-update, results-cleared and
// analysis are shared with the broker, see handlers_data.go).
const (
	msgAuthRequired   = "auth-required"
	msgConnected      = "connected"
	msgAuthenticated  = "authenticated"
	msgError          = "error"
	msgResultCaptured = "result-captured"
	msgResults        = "results"
	msgStatistics     = "statistics"
	msgHistory        = "history"
	msgPong           = "pong"
)

// Client → server stream message types.
const (
	clientAuthenticate      = "authenticate"
	clientSubmit            = "submit"
	clientRequestAnalysis   = "request-analysis"
	clientRequestResults    = "request-results"
	clientRequestStatistics = "request-statistics"
	clientRequestHistory    = "request-history"
	clientPing              = "ping"
)

const (
	streamReadLimit    = 64 << 10
	streamReadTimeout  = 5 * time.Minute
	streamWriteTimeout = 10 * time.Second

	// Inbound throttling: generous for interactive use, tight enough that
	// one connection cannot monopolize the store.
	streamMessagesPerSecond = 20
	streamMessageBurst      = 40
)

// clientMessage is the flat inbound frame; the type discriminator selects
// which fields matter.
type clientMessage struct {
	Type  string      `json:"type"`
	Token string      `json:"token,omitempty"`
	Value interface{} `json:"value,omitempty"`
	Count int         `json:"count,omitempty"`
	Limit *int        `json:"limit,omitempty"`
}

// streamSession is one websocket connection's lifecycle: opened, optionally
// anonymous-awaiting-auth, authenticated, closed.
type streamSession struct {
	srv  *Server
	conn *websocket.Conn

	// sub exists only once authenticated; its writer goroutine then owns
	// all socket writes.
	sub           *broker.Subscription
	owner         string
	role          string
	authenticated bool

	inbound *rate.Limiter
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("stream upgrade failed")
		return
	}

	sess := &streamSession{
		srv:     s,
		conn:    conn,
		inbound: rate.NewLimiter(rate.Limit(streamMessagesPerSecond), streamMessageBurst),
	}
	sess.run(r)
}

func (sess *streamSession) run(r *http.Request) {
	defer func() {
		if sess.sub != nil {
			sess.srv.broker.Unsubscribe(sess.sub)
			sess.sub.Close()
		}
		_ = sess.conn.Close()
	}()

	sess.conn.SetReadLimit(streamReadLimit)

	// The bearer may arrive as a query parameter at handshake time or as
	// the payload of the first authenticate message.
	if token := r.URL.Query().Get("token"); token != "" {
		claims, err := sess.srv.tokens.Verify(token)
		if err != nil {
			sess.writeDirect(errorMessage(err))
			return
		}
		sess.becomeAuthenticated(claims, msgConnected)
	} else {
		sess.writeDirect(broker.NewMessage(msgAuthRequired, nil))
	}

	for {
		if err := sess.conn.SetReadDeadline(time.Now().Add(streamReadTimeout)); err != nil {
			return
		}
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		if !sess.inbound.Allow() {
			if !sess.send(errorMessage(apperrors.RateLimited(streamMessagesPerSecond, "1s"))) {
				return
			}
			continue
		}

		msgType := gjson.GetBytes(data, "type").String()
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !sess.send(errorMessage(apperrors.Invalid("message", "malformed JSON"))) {
				return
			}
			continue
		}

		if !sess.dispatch(msgType, msg) {
			return
		}
	}
}

// dispatch handles one inbound frame; false ends the session.
func (sess *streamSession) dispatch(msgType string, msg clientMessage) bool {
	switch msgType {
	case clientPing:
		return sess.send(broker.NewMessage(msgPong, map[string]interface{}{
			"serverTime": time.Now().UnixMilli(),
		}))

	case clientAuthenticate:
		if sess.authenticated {
			return sess.send(broker.NewMessage(msgAuthenticated, sess.identity()))
		}
		claims, err := sess.srv.tokens.Verify(msg.Token)
		if err != nil {
			// Auth failure destroys the subscription-to-be.
			sess.writeDirect(errorMessage(err))
			return false
		}
		sess.becomeAuthenticated(claims, msgAuthenticated)
		return true

	default:
		if !sess.authenticated {
			// Only authenticate, ping, and close are accepted while
			// anonymous.
			return sess.send(broker.NewMessage(msgAuthRequired, nil))
		}
		return sess.dispatchAuthenticated(msgType, msg)
	}
}

func (sess *streamSession) dispatchAuthenticated(msgType string, msg clientMessage) bool {
	switch msgType {
	case clientSubmit:
		entry, err := sess.srv.submitResult(sess.owner, msg.Value)
		if err != nil {
			return sess.send(errorMessage(err))
		}
		return sess.send(broker.NewMessage(msgResultCaptured, entry))

	case clientRequestAnalysis:
		window, total, lastUpdated, err := sess.srv.store.Window(sess.owner, msg.Count, sess.srv.engine.BatchSize())
		if err != nil {
			return sess.send(errorMessage(err))
		}
		raw, err := sess.srv.engine.Analyze(sess.owner, window, total, lastUpdated)
		if err != nil {
			return sess.send(errorMessage(apperrors.Internal("analyze", err)))
		}
		return sess.send(broker.NewMessage(msgAnalysis, json.RawMessage(raw)))

	case clientRequestResults:
		results, err := sess.srv.store.ListResults(sess.owner, limitOrAll(msg.Limit))
		if err != nil {
			return sess.send(errorMessage(err))
		}
		return sess.send(broker.NewMessage(msgResults, map[string]interface{}{
			"results": results,
			"count":   len(results),
		}))

	case clientRequestStatistics:
		stats, err := sess.srv.store.Statistics(sess.owner)
		if err != nil {
			return sess.send(errorMessage(err))
		}
		return sess.send(broker.NewMessage(msgStatistics, stats))

	case clientRequestHistory:
		history, err := sess.srv.store.ListHistory(sess.owner, limitOrAll(msg.Limit))
		if err != nil {
			return sess.send(errorMessage(err))
		}
		return sess.send(broker.NewMessage(msgHistory, map[string]interface{}{
			"history": history,
			"count":   len(history),
		}))

	default:
		return sess.send(errorMessage(apperrors.Invalid("type", "unknown message type")))
	}
}

// becomeAuthenticated enrolls the session in the broker and hands socket
// writes over to the subscription's writer goroutine. confirmType is
// "connected" for handshake tokens, "authenticated" for first-message auth.
func (sess *streamSession) becomeAuthenticated(claims *auth.Claims, confirmType string) {
	sess.owner = claims.Username
	sess.role = claims.Role
	sess.authenticated = true

	// The confirmation is written before the writer goroutine takes over
	// the socket.
	sess.writeDirect(broker.NewMessage(confirmType, sess.identity()))

	sess.sub = broker.NewSubscription(sess.owner)
	sess.srv.broker.Subscribe(sess.sub)
	sess.startWriter()
}

func (sess *streamSession) identity() map[string]interface{} {
	return map[string]interface{}{
		"authenticated": true,
		"user":          map[string]string{"username": sess.owner, "role": sess.role},
	}
}

// send routes a message through the subscription outbox once authenticated,
// or writes directly while the session is still anonymous (the read loop is
// the only writer then). Returns false when the session should end.
func (sess *streamSession) send(msg broker.Message) bool {
	if sess.sub == nil {
		return sess.writeDirect(msg)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		sess.srv.log.WithError(err).Error("marshal stream message")
		return true
	}
	if !sess.sub.Send(payload) {
		// Bounded send failed: the client is too slow to keep.
		return false
	}
	return true
}

func (sess *streamSession) writeDirect(msg broker.Message) bool {
	_ = sess.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := sess.conn.WriteJSON(msg); err != nil {
		return false
	}
	return true
}

// startWriter drains the subscription outbox onto the socket. When the
// outbox closes (shutdown, slow-subscriber drop, or session end) it sends
// the close notice and releases the connection.
func (sess *streamSession) startWriter() {
	sub := sess.sub
	conn := sess.conn
	srv := sess.srv

	go func() {
		for payload := range sub.Outbox() {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				srv.broker.Unsubscribe(sub)
				sub.Close()
				_ = conn.Close()
				return
			}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
		_ = conn.Close()
	}()
}

// errorMessage shapes a failure as a stream error frame.
func errorMessage(err error) broker.Message {
	serviceErr := apperrors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = apperrors.Internal("", err)
	}
	return broker.NewMessage(msgError, map[string]interface{}{
		"code":    serviceErr.Code,
		"message": serviceErr.Message,
	})
}

func limitOrAll(limit *int) int {
	if limit == nil {
		return -1
	}
	if *limit < 0 {
		return -1
	}
	return *limit
}
