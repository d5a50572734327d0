package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
)

// clientVersion is reported in CONNECT.
const clientVersion = "1"

// handle is the transition function. It only runs on the loop goroutine.
func (m *Manager) handle(ev event) {
	switch e := ev.(type) {
	case mountEvent:
		m.mount()
	case unmountEvent:
		m.unmount()
	case connectEvent:
		m.connect()
	case disconnectEvent:
		m.disconnect()

	case sendPromptEvent:
		e.reply <- m.sendPrompt(e.content)
	case sendRetryEvent:
		e.reply <- m.sendRetry(e.userMessageID)
	case sendStopEvent:
		e.reply <- m.sendStop(e.reason)
	case sendEnvelopeEvent:
		if m.state != StateConnected {
			e.reply <- ErrNotConnected
			return
		}
		e.reply <- m.write(e.env)

	case subscribeEvent:
		m.listeners[e.id] = e.fn
	case unsubscribeEvent:
		delete(m.listeners, e.id)
	case snapshotRequest:
		e.reply <- m.snapshot()
	case chatRequest:
		e.reply <- m.chat.Messages()

	case socketOpened:
		m.onOpen(e)
	case socketMessage:
		if e.seq == m.seq && m.conn != nil {
			m.onMessage(e.env)
		}
	case socketClosed:
		m.onClose(e)
	case timerFired:
		m.onTimer(e)
	case networkChanged:
		m.onNetwork(e.online)
	}
}

func (m *Manager) mount() {
	switch m.lifecycle {
	case LifecycleMounted, LifecycleMounting:
		return
	case LifecycleUnmounting:
		m.logger.Debug("pending unmount cancelled")
	}
	m.lifecycle = LifecycleMounting
	if m.network != nil && m.unwatch == nil {
		m.online = m.network.Online()
		m.unwatch = m.network.Subscribe(func(online bool) {
			m.post(networkChanged{online: online})
		})
	}
	m.connect()
	m.lifecycle = LifecycleMounted
}

func (m *Manager) unmount() {
	if m.lifecycle == LifecycleUnmounting || m.lifecycle == LifecycleUnmounted {
		return
	}
	m.lifecycle = LifecycleUnmounting
	if m.buffer.Busy() {
		m.logger.Debug("unmount deferred until the generation settles",
			slog.String("generation_id", m.buffer.GenerationID))
	}
	m.maybeFinishUnmount()
}

func (m *Manager) maybeFinishUnmount() {
	if m.lifecycle != LifecycleUnmounting || m.buffer.Busy() {
		return
	}
	if m.conn != nil && m.state == StateConnected {
		_ = m.write(protocol.MustNew(protocol.TypeDisconnect, nil))
	}
	m.teardown()
	m.lifecycle = LifecycleUnmounted
	m.logger.Debug("transport unmounted")
}

// teardown drops the socket, every timer and the network subscription
// without scheduling a reconnect.
func (m *Manager) teardown() {
	for k := range numTimers {
		m.stop(timerKind(k))
	}
	if m.unwatch != nil {
		m.unwatch()
		m.unwatch = nil
	}
	m.closeSocket()
	m.state = StateDisconnected
	m.sessionID = ""
	m.attempts = 0
}

func (m *Manager) shutdown() {
	m.buffer = Buffer{}
	m.teardown()
	m.lifecycle = LifecycleUnmounted
}

func (m *Manager) connect() {
	if m.state == StateConnecting || m.state == StateConnected {
		return
	}
	if m.conn != nil || m.dialCancel != nil {
		m.closeSocket()
	}

	m.seq++
	seq := m.seq
	m.state = StateConnecting
	m.arm(timerConnect, m.timings.ConnectTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	go func() {
		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			m.post(socketClosed{seq: seq, err: err})
			return
		}
		if !m.post(socketOpened{seq: seq, conn: conn}) {
			conn.Close()
		}
	}()
}

func (m *Manager) disconnect() {
	if m.state == StateDisconnected || m.state == StateDisconnecting {
		return
	}
	m.state = StateDisconnecting
	if m.conn != nil {
		_ = m.write(protocol.MustNew(protocol.TypeDisconnect, nil))
	}
	m.forceClose()
}

// forceClose closes the current socket or aborts the current dial. The
// resulting close event drives the state change.
func (m *Manager) forceClose() {
	switch {
	case m.conn != nil:
		_ = m.conn.Close()
	case m.dialCancel != nil:
		m.dialCancel()
	}
}

// closeSocket drops the current socket so that its pending events are
// ignored.
func (m *Manager) closeSocket() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.seq++
}

func (m *Manager) onOpen(e socketOpened) {
	if e.seq != m.seq {
		_ = e.conn.Close()
		return
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.conn = e.conn
	m.attempts = 0

	go m.read(e.seq, e.conn)

	_ = m.write(protocol.MustNew(protocol.TypeConnect, protocol.ConnectPayload{
		ClientID: m.clientID,
		Version:  clientVersion,
	}).WithClientID(m.clientID))
	m.arm(timerHeartbeat, m.timings.HeartbeatInterval)
}

func (m *Manager) read(seq uint64, conn Conn) {
	for {
		env, err := conn.Read()
		if err != nil {
			m.post(socketClosed{seq: seq, err: err})
			return
		}
		if !m.post(socketMessage{seq: seq, env: env}) {
			return
		}
	}
}

func (m *Manager) onClose(e socketClosed) {
	if e.seq != m.seq {
		return
	}
	if e.err != nil && m.state != StateDisconnecting {
		m.logger.Warn("connection lost", slog.String("error", e.err.Error()))
	}

	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	for _, k := range []timerKind{timerConnect, timerHeartbeat, timerPong, timerStage} {
		m.stop(k)
	}
	if m.buffer.Busy() {
		m.logger.Debug("dropping outstanding generation on close",
			slog.String("generation_id", m.buffer.GenerationID))
		m.buffer = Buffer{}
	}
	m.state = StateDisconnected
	m.sessionID = ""

	m.maybeFinishUnmount()
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	if m.lifecycle == LifecycleUnmounting || m.lifecycle == LifecycleUnmounted {
		return
	}
	if m.attempts >= m.timings.MaxReconnectAttempts {
		m.logger.Warn("giving up reconnecting", slog.Int("attempts", m.attempts))
		return
	}
	delay := m.timings.reconnectDelay(m.attempts)
	m.attempts++
	m.logger.Debug("reconnect scheduled",
		slog.Int("attempt", m.attempts),
		slog.Duration("delay", delay),
	)
	m.arm(timerReconnect, delay)
}

func (m *Manager) onTimer(e timerFired) {
	if m.timers[e.kind].token != e.token {
		return
	}
	m.timers[e.kind] = armedTimer{}

	switch e.kind {
	case timerConnect:
		if m.state == StateConnecting {
			m.logger.Warn("connection attempt timed out")
			m.forceClose()
		}
	case timerHeartbeat:
		if m.conn != nil {
			_ = m.write(protocol.MustNew(protocol.TypePing, nil))
			m.arm(timerPong, m.timings.PongTimeout)
		}
		m.arm(timerHeartbeat, m.timings.HeartbeatInterval)
	case timerPong:
		m.logger.Warn("heartbeat timed out")
		m.forceClose()
	case timerReconnect:
		m.connect()
	case timerStage:
		m.logger.Warn("generation stage timed out", slog.String("generation_id", m.buffer.GenerationID))
		_ = m.sendStop(StopByTimeout)
	}
}

func (m *Manager) onNetwork(online bool) {
	if online == m.online {
		return
	}
	m.online = online
	if online {
		m.logger.Info("network online")
		return
	}
	m.logger.Info("network offline")
	m.disconnect()
	m.attempts = 0
}

func (m *Manager) onMessage(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeConnected:
		if p, err := protocol.Decode[protocol.ConnectedPayload](env); err == nil {
			m.sessionID = p.SessionID
		}
		m.state = StateConnected
		m.stop(timerConnect)
	case protocol.TypePong:
		m.stop(timerPong)
	case protocol.TypeDisconnected:
		m.forceClose()
	case protocol.TypeLicenseUpdated:
		if p, err := protocol.Decode[protocol.LicensePayload](env); err == nil {
			m.sink.LicenseUpdated(p)
		}
	case protocol.TypeAnalyzed:
		m.onAnalyzed(env)
	case protocol.TypeGenerated:
		m.onGenerated(env)
	case protocol.TypeFailed:
		m.onFailed(env)
	default:
		m.logger.Debug("ignoring envelope", slog.String("type", string(env.Type)))
	}

	if len(m.listeners) > 0 {
		snap := m.snapshot()
		for _, l := range m.listeners {
			l(Notification{Envelope: &env, Snapshot: snap})
		}
	}
}

// matches reports whether a response belongs to the buffered generation.
// Responses that echo a generation id must echo ours; responses without
// an echo are attributed to whatever is buffered.
func (m *Manager) matches(ref protocol.RequestRef, t protocol.Type) bool {
	if m.buffer.GenerationID == "" {
		m.logger.Debug("discarding response with nothing buffered", slog.String("type", string(t)))
		return false
	}
	if ref.GenerationID != "" && ref.GenerationID != m.buffer.GenerationID {
		m.logger.Debug("discarding response for another generation",
			slog.String("type", string(t)),
			slog.String("generation_id", ref.GenerationID),
		)
		return false
	}
	return true
}

func (m *Manager) onAnalyzed(env protocol.Envelope) {
	p, err := protocol.Decode[protocol.AnalyzedPayload](env)
	if err != nil {
		m.logger.Warn("malformed ANALYZED", slog.String("error", err.Error()))
		return
	}
	if !m.matches(p.Request, env.Type) || m.buffer.ModelMessageID != "" {
		return
	}
	msg := m.chat.Append(ChatMessage{
		ID:           uuid.New().String(),
		ParentID:     m.buffer.UserMessageID,
		Role:         RoleModel,
		Kind:         KindAnalysis,
		Analysis:     p.Result,
		GenerationID: m.buffer.GenerationID,
		Active:       true,
	})
	m.buffer.ModelMessageID = msg.ID
	m.arm(timerStage, m.timings.GenerationTimeout)
	m.sink.ChatUpdated(msg.clone())
}

func (m *Manager) onGenerated(env protocol.Envelope) {
	p, err := protocol.Decode[protocol.GeneratedPayload](env)
	if err != nil {
		m.logger.Warn("malformed GENERATED", slog.String("error", err.Error()))
		return
	}
	if !m.matches(p.Request, env.Type) {
		return
	}
	msg := m.modelMessage()
	msg.Kind = KindResult
	msg.Result = p.Result
	m.clearBuffer()
	m.sink.ChatUpdated(msg.clone())
}

func (m *Manager) onFailed(env protocol.Envelope) {
	p, err := protocol.Decode[protocol.FailedPayload](env)
	if err != nil {
		m.logger.Warn("malformed FAILED", slog.String("error", err.Error()))
		return
	}
	if !m.matches(p.Request, env.Type) {
		return
	}
	msg := m.modelMessage()
	switch {
	case p.Warning != nil:
		msg.Kind = KindWarning
		msg.Content = p.Warning.Message
		m.logger.Info("generation warning", slog.String("message", p.Warning.Message))
	case p.Error != nil:
		msg.Kind = KindError
		msg.Content = p.Error.Message
		msg.ErrorCode = p.Error.Code
	default:
		msg.Kind = KindError
		msg.ErrorCode = "unknown"
	}
	m.clearBuffer()
	m.sink.ChatUpdated(msg.clone())
}

// modelMessage returns the buffered model message, creating it when the
// response arrives without a prior ANALYZED.
func (m *Manager) modelMessage() *ChatMessage {
	if msg, ok := m.chat.Get(m.buffer.ModelMessageID); ok {
		return msg
	}
	msg := m.chat.Append(ChatMessage{
		ID:           uuid.New().String(),
		ParentID:     m.buffer.UserMessageID,
		Role:         RoleModel,
		GenerationID: m.buffer.GenerationID,
		Active:       true,
	})
	m.buffer.ModelMessageID = msg.ID
	return msg
}

func (m *Manager) clearBuffer() {
	m.buffer = Buffer{}
	m.stop(timerStage)
	m.maybeFinishUnmount()
}

func (m *Manager) sendPrompt(content string) error {
	if m.state != StateConnected || m.conn == nil {
		return ErrNotConnected
	}
	if m.buffer.Busy() {
		return ErrBusy
	}

	env := m.generateEnvelope(content, m.chat.History(""))
	if err := m.write(env); err != nil {
		return err
	}
	user := m.chat.Append(ChatMessage{
		ID:           uuid.New().String(),
		ParentID:     m.chat.Tail(),
		Role:         RoleUser,
		Kind:         KindPrompt,
		Content:      content,
		GenerationID: env.Metadata.ID,
		Active:       true,
	})
	m.buffer = Buffer{GenerationID: env.Metadata.ID, UserMessageID: user.ID}
	m.arm(timerStage, m.timings.AnalysisTimeout)
	m.sink.ChatUpdated(user.clone())
	return nil
}

func (m *Manager) sendRetry(userMessageID string) error {
	if m.state != StateConnected || m.conn == nil {
		return ErrNotConnected
	}
	if m.buffer.Busy() {
		return ErrBusy
	}
	user, ok := m.chat.Get(userMessageID)
	if !ok || user.Role != RoleUser {
		return ErrUnknownMessage
	}

	env := m.generateEnvelope(user.Content, m.chat.History(user.ID))
	if err := m.write(env); err != nil {
		return err
	}

	changed := m.chat.DeactivateDescendants(user.ID)
	user.Active = true
	user.GenerationID = env.Metadata.ID
	m.buffer = Buffer{GenerationID: env.Metadata.ID, UserMessageID: user.ID}
	m.arm(timerStage, m.timings.AnalysisTimeout)

	for _, c := range changed {
		m.sink.ChatUpdated(c)
	}
	m.sink.ChatUpdated(user.clone())
	return nil
}

func (m *Manager) sendStop(reason StopReason) error {
	if !m.buffer.Busy() {
		return ErrNothingToStop
	}
	if m.conn != nil && m.buffer.GenerationID != "" {
		_ = m.write(protocol.MustNew(protocol.TypeStop, protocol.StopPayload{
			GenerationID: m.buffer.GenerationID,
		}))
	}

	msg := m.modelMessage()
	msg.Kind = KindStopped
	msg.Content = string(reason)
	m.clearBuffer()
	m.sink.ChatUpdated(msg.clone())
	return nil
}

func (m *Manager) generateEnvelope(content string, history protocol.History) protocol.Envelope {
	rc := m.contexts.RequestContext()
	fields := rc.Fields
	if fields == nil {
		fields = map[string]protocol.Field{}
	}
	return protocol.MustNew(protocol.TypeGenerate, protocol.GeneratePayload{
		Prompt:       content,
		Instructions: rc.Instructions,
		History:      history,
		Meta:         protocol.Meta{Language: rc.Language, ContentPath: rc.ContentPath},
		Fields:       fields,
	}).WithClientID(m.clientID)
}

func (m *Manager) write(env protocol.Envelope) error {
	if m.conn == nil {
		return ErrNotConnected
	}
	if err := m.conn.Write(env); err != nil {
		m.logger.Debug("write failed",
			slog.String("type", string(env.Type)),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (m *Manager) arm(kind timerKind, d time.Duration) {
	m.stop(kind)
	m.tokens++
	token := m.tokens
	t := m.clock.AfterFunc(d, func() {
		m.post(timerFired{kind: kind, token: token})
	})
	m.timers[kind] = armedTimer{timer: t, token: token}
}

func (m *Manager) stop(kind timerKind) {
	if t := m.timers[kind].timer; t != nil {
		t.Stop()
	}
	m.timers[kind] = armedTimer{}
}

func (m *Manager) snapshot() Snapshot {
	return Snapshot{
		Lifecycle:         m.lifecycle,
		State:             m.state,
		Online:            m.online,
		ReconnectAttempts: m.attempts,
		Reconnecting:      m.timers[timerReconnect].timer != nil,
		Busy:              m.buffer.Busy(),
		Buffer:            m.buffer,
		SessionID:         m.sessionID,
	}
}

// publish reports the snapshot to the sink and listeners when it changed.
func (m *Manager) publish() {
	s := m.snapshot()
	if s == m.published {
		return
	}
	m.published = s
	last := s
	m.last.Store(&last)
	m.sink.StateChanged(s)
	for _, l := range m.listeners {
		l(Notification{Snapshot: s})
	}
}
