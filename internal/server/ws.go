package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tjfontaine/contentgen-gateway/internal/domain"
	"github.com/tjfontaine/contentgen-gateway/internal/pipeline"
	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
)

// ErrSessionClosed is returned when sending on a session that has ended.
var ErrSessionClosed = errors.New("session closed")

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !slices.Contains(websocket.Subprotocols(r), s.subprotocol) {
		AddLogField(r.Context(), "error", "missing subprotocol")
		writeError(w, http.StatusBadRequest,
			domain.ErrInvalidRequest("websocket sub-protocol "+s.subprotocol+" is required"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		AddError(r.Context(), err)
		return
	}

	sess := newSession(s, conn, r)
	if !s.addSession(sess) {
		sess.reply(protocol.MustNew(protocol.TypeDisconnected, protocol.DisconnectedPayload{Reason: "server_shutdown"}))
		sess.cancel()
		_ = conn.Close()
		return
	}
	AddLogField(r.Context(), "session_id", sess.id)
	if s.metrics != nil {
		s.metrics.SessionOpened()
	}

	sess.serve()
}

// session is one websocket connection. Reads happen on the handler
// goroutine, writes from any goroutine under writeMu.
type session struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu          sync.Mutex
	clientID    string
	generations map[string]struct{}
	closed      bool
}

func newSession(s *Server, conn *websocket.Conn, r *http.Request) *session {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	return &session{
		id:          id,
		srv:         s,
		conn:        conn,
		logger:      s.logger.With(slog.String("session_id", id)),
		ctx:         ctx,
		cancel:      cancel,
		generations: make(map[string]struct{}),
	}
}

func (ss *session) serve() {
	defer ss.close()

	ss.conn.SetReadLimit(maxFrameBytes)
	ss.logger.Debug("session opened")

	for {
		_ = ss.conn.SetReadDeadline(time.Now().Add(ss.srv.idleTimeout))
		msgType, data, err := ss.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ss.logger.Debug("session read ended", slog.String("error", err.Error()))
			}
			return
		}
		if msgType != websocket.TextMessage {
			ss.sendFailed(protocol.RequestRef{},
				domain.ErrInvalidRequest("binary frames are not supported").WithCode(domain.ErrorCodeInvalidEnvelope))
			continue
		}

		env, err := protocol.Parse(data)
		if err != nil {
			ss.logger.Debug("invalid envelope", slog.String("error", err.Error()))
			ss.sendFailed(protocol.RequestRef{},
				domain.ErrInvalidRequest(err.Error()).WithCode(domain.ErrorCodeInvalidEnvelope))
			continue
		}
		if ss.srv.metrics != nil {
			ss.srv.metrics.MessageReceived(string(env.Type))
		}
		if !ss.dispatch(env) {
			return
		}
	}
}

// dispatch handles one inbound envelope and reports whether the session
// should keep reading.
func (ss *session) dispatch(env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeConnect:
		// The payload is optional.
		if p, err := protocol.Decode[protocol.ConnectPayload](env); err == nil && p.ClientID != "" {
			ss.mu.Lock()
			ss.clientID = p.ClientID
			ss.mu.Unlock()
			ss.logger.Debug("client identified", slog.String("client_id", p.ClientID))
		}
		ss.reply(protocol.MustNew(protocol.TypeConnected, protocol.ConnectedPayload{SessionID: ss.id}))
		if ss.srv.license != nil {
			ss.reply(protocol.MustNew(protocol.TypeLicenseUpdated, ss.srv.license()))
		}

	case protocol.TypePing:
		ss.reply(protocol.MustNew(protocol.TypePong, nil))

	case protocol.TypeGenerate:
		ref := protocol.RequestRef{GenerationID: env.Metadata.ID}
		payload, err := protocol.Decode[protocol.GeneratePayload](env)
		if err != nil {
			ss.sendFailed(ref, domain.ErrInvalidRequest(err.Error()).WithCode(domain.ErrorCodeInvalidEnvelope))
			return true
		}
		ss.startGeneration(env.Metadata.ID, payload)

	case protocol.TypeStop:
		payload, err := protocol.Decode[protocol.StopPayload](env)
		if err != nil || payload.GenerationID == "" {
			ss.sendFailed(protocol.RequestRef{},
				domain.ErrInvalidRequest("STOP requires payload.generationId").WithCode(domain.ErrorCodeInvalidEnvelope))
			return true
		}
		ss.srv.orch.Stop(payload.GenerationID)

	case protocol.TypeDisconnect:
		ss.reply(protocol.MustNew(protocol.TypeDisconnected, protocol.DisconnectedPayload{Reason: "client_disconnect"}))
		return false

	default:
		ss.sendFailed(protocol.RequestRef{},
			domain.ErrInvalidRequest("unsupported message type "+string(env.Type)).
				WithCode(domain.ErrorCodeUnsupportedMessageType))
	}
	return true
}

func (ss *session) startGeneration(id string, payload protocol.GeneratePayload) {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	ss.generations[id] = struct{}{}
	ss.mu.Unlock()

	ss.srv.runs.Add(1)
	go func() {
		defer ss.srv.runs.Done()
		defer func() {
			ss.mu.Lock()
			delete(ss.generations, id)
			ss.mu.Unlock()
		}()
		ss.srv.orch.Run(ss.ctx, pipeline.Request{
			ID:        id,
			SessionID: ss.id,
			Payload:   payload,
		}, ss)
	}()
}

// Send implements pipeline.Responder.
func (ss *session) Send(env protocol.Envelope) error {
	ss.mu.Lock()
	clientID := ss.clientID
	ss.mu.Unlock()
	if clientID != "" && env.Metadata.ClientID == "" {
		env = env.WithClientID(clientID)
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()

	ss.mu.Lock()
	closed := ss.closed
	ss.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	_ = ss.conn.SetWriteDeadline(time.Now().Add(ss.srv.writeTimeout))
	if err := ss.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	if ss.srv.metrics != nil {
		ss.srv.metrics.MessageSent(string(env.Type))
	}
	return nil
}

func (ss *session) reply(env protocol.Envelope) {
	if err := ss.Send(env); err != nil {
		ss.logger.Debug("send failed",
			slog.String("type", string(env.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (ss *session) sendFailed(ref protocol.RequestRef, apiErr *domain.APIError) {
	ss.reply(protocol.MustNew(protocol.TypeFailed, protocol.FailedPayload{
		Request: ref,
		Error:   &protocol.ErrorDetail{Code: apiErr.WireCode(), Message: apiErr.Message},
	}))
}

// disconnect tells the client why the session is ending and closes it.
func (ss *session) disconnect(reason string) {
	ss.reply(protocol.MustNew(protocol.TypeDisconnected, protocol.DisconnectedPayload{Reason: reason}))
	ss.close()
}

// close ends the session once: the socket is closed, every generation the
// session started is released and their contexts are cancelled.
func (ss *session) close() {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	ss.closed = true
	ids := make([]string, 0, len(ss.generations))
	for id := range ss.generations {
		ids = append(ids, id)
	}
	ss.mu.Unlock()

	ss.writeMu.Lock()
	_ = ss.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ss.writeMu.Unlock()
	_ = ss.conn.Close()

	for _, id := range ids {
		ss.srv.orch.Stop(id)
	}
	ss.cancel()

	ss.srv.removeSession(ss)
	if ss.srv.metrics != nil {
		ss.srv.metrics.SessionClosed()
	}
	ss.logger.Debug("session closed", slog.Int("released_generations", len(ids)))
}
