package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/helixtrade/intentd/internal/observability"
	"github.com/helixtrade/intentd/internal/schema"
)

// subscribeRequest is the first message a client sends after connecting.
// CorrelationID narrows the stream to one intent; ResumeFrom replays that
// correlation's log past a sequence the client already holds.
type subscribeRequest struct {
	Action        string   `json:"action"`
	Topics        []string `json:"topics"`
	CorrelationID string   `json:"correlationId,omitempty"`
	ResumeFrom    *int64   `json:"resumeFrom,omitempty"`
}

// controlFrame is the only non-envelope message the server sends; everything
// else on the wire is a bare event envelope.
type controlFrame struct {
	Control string `json:"control"`
	Error   string `json:"error,omitempty"`
}

const (
	controlResumeComplete = "resume_complete"
	controlError          = "error"
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observability.Log().Error("websocket accept", observability.Err(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")

	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	req, err := s.readSubscribe(ctx, conn)
	if err != nil {
		s.writeControl(ctx, conn, controlFrame{Control: controlError, Error: err.Error()})
		conn.Close(websocket.StatusPolicyViolation, "bad subscribe")
		return
	}
	observability.Log().Debug("gateway session subscribed",
		observability.String("session_id", sessionID),
		observability.String("correlation_id", req.CorrelationID))

	// tap live events before replaying so nothing published during the
	// replay is missed; per-correlation sequences dedupe the overlap.
	live := make([]<-chan schema.EventEnvelope, 0, len(req.Topics))
	for _, pattern := range req.Topics {
		ch, err := s.bus.SubscribeEphemeral(ctx, pattern)
		if err != nil {
			s.writeControl(ctx, conn, controlFrame{Control: controlError, Error: "subscribe failed"})
			return
		}
		live = append(live, ch)
	}

	lastSeen, err := s.replay(ctx, conn, req)
	if err != nil {
		observability.Log().Error("event replay",
			observability.String("session_id", sessionID), observability.Err(err))
		s.writeControl(ctx, conn, controlFrame{Control: controlError, Error: "replay failed"})
		return
	}
	if err := s.writeControl(ctx, conn, controlFrame{Control: controlResumeComplete}); err != nil {
		return
	}

	// the client may close or send further messages; either way a read
	// failure tears the session down.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	s.tail(ctx, cancel, conn, req, live, lastSeen)
}

func (s *Server) readSubscribe(ctx context.Context, conn *websocket.Conn) (subscribeRequest, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.SubscribeTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return subscribeRequest{}, errSubscribe("no subscribe request received")
	}
	var req subscribeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return subscribeRequest{}, errSubscribe("malformed subscribe request")
	}
	if req.Action != "subscribe" {
		return subscribeRequest{}, errSubscribe("first message must be a subscribe")
	}
	if len(req.Topics) == 0 {
		return subscribeRequest{}, errSubscribe("at least one topic required")
	}
	for _, pattern := range req.Topics {
		if !schema.ValidPattern(pattern) {
			return subscribeRequest{}, errSubscribe("unknown topic " + pattern)
		}
	}
	if req.ResumeFrom != nil {
		if req.CorrelationID == "" {
			return subscribeRequest{}, errSubscribe("resumeFrom requires correlationId")
		}
		if *req.ResumeFrom < 0 {
			return subscribeRequest{}, errSubscribe("resumeFrom must be non-negative")
		}
	}
	return req, nil
}

// replay streams the subscribed correlation's log to the client, past the
// resume point, and returns the per-correlation high-water marks. Replay
// writes are client-paced: a slow reader stalls its own replay rather than
// losing frames. Subscriptions without a correlation filter start live-only.
func (s *Server) replay(ctx context.Context, conn *websocket.Conn, req subscribeRequest) (map[string]int64, error) {
	lastSeen := make(map[string]int64)
	if req.CorrelationID == "" {
		return lastSeen, nil
	}
	var fromSeq int64
	if req.ResumeFrom != nil {
		fromSeq = *req.ResumeFrom
	}
	lastSeen[req.CorrelationID] = fromSeq

	events, err := s.log.SinceSequence(ctx, req.CorrelationID, fromSeq)
	if err != nil {
		return lastSeen, err
	}
	for i := range events {
		if !topicSubscribed(req.Topics, events[i].Topic) {
			continue
		}
		if err := s.writeEnvelope(ctx, conn, events[i]); err != nil {
			return lastSeen, err
		}
		lastSeen[req.CorrelationID] = events[i].Sequence
	}
	return lastSeen, nil
}

// tail streams live events after replay. The per-connection queue is bounded;
// when it fills, market frames shed oldest-first, but domain frames are never
// dropped: a client that cannot keep up with them is disconnected and resumes
// from its last seen sequence against the log.
func (s *Server) tail(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, req subscribeRequest, live []<-chan schema.EventEnvelope, lastSeen map[string]int64) {
	merged := make(chan schema.EventEnvelope, s.cfg.SendBuffer)
	for _, ch := range live {
		go func(ch <-chan schema.EventEnvelope) {
			for env := range ch {
				if enqueueLive(merged, env) {
					observability.Log().Info("gateway client overflowed on domain events, disconnecting")
					conn.Close(websocket.StatusPolicyViolation, "client too slow")
					cancel()
					return
				}
			}
		}(ch)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-merged:
			if req.CorrelationID != "" && env.CorrelationID != req.CorrelationID {
				continue
			}
			// anything at or before the correlation's high-water mark
			// was already delivered by the replay.
			if env.Sequence <= lastSeen[env.CorrelationID] {
				continue
			}
			if err := s.writeEnvelope(ctx, conn, env); err != nil {
				return
			}
			lastSeen[env.CorrelationID] = env.Sequence
		}
	}
}

// enqueueLive applies the per-class backpressure policy for one live frame.
// Market frames shed the oldest queued frame on overflow; domain frames are
// never dropped, so overflow reports the session as unsalvageable.
func enqueueLive(merged chan schema.EventEnvelope, env schema.EventEnvelope) (disconnect bool) {
	select {
	case merged <- env:
		return false
	default:
	}
	observability.Telemetry().IncCounter(observability.MetricGatewayDrops, 1,
		map[string]string{"class": env.Topic.Class()})
	if env.Topic.Class() != "market" {
		return true
	}
	select {
	case <-merged:
	default:
	}
	select {
	case merged <- env:
	default:
	}
	return false
}

func topicSubscribed(patterns []string, topic schema.Topic) bool {
	for _, p := range patterns {
		if schema.MatchPattern(p, topic) {
			return true
		}
	}
	return false
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env schema.EventEnvelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return s.write(ctx, conn, data)
}

func (s *Server) writeControl(ctx context.Context, conn *websocket.Conn, f controlFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.write(ctx, conn, data)
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func errSubscribe(msg string) error { return errors.New(msg) }
