// Package gateway terminates client websocket connections and routes their
// events to the presence registry, the fan-out engine and the signaling
// relay.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/fanout"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/signaling"
)

const DefaultSendBuffer = 256

type Server struct {
	hub      *Hub
	tokens   *auth.Tokens
	registry *presence.Registry
	engine   *fanout.Engine
	relay    *signaling.Relay
	validate *validator.Validate
	log      *zap.Logger

	sendBuffer int
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(hub *Hub, tokens *auth.Tokens, registry *presence.Registry, engine *fanout.Engine, relay *signaling.Relay, sendBuffer int, log *zap.Logger) *Server {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		hub:        hub,
		tokens:     tokens,
		registry:   registry,
		engine:     engine,
		relay:      relay,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		log:        log,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWs)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// ServeWs authenticates and upgrades a websocket request.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	claims, err := s.tokens.FromRequest(r)
	if err != nil {
		s.log.Info("unauthorized websocket request", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan []byte, s.sendBuffer),
		id:     uuid.NewString(),
		userID: claims.UserID,
		ctx:    ctx,
		cancel: cancel,
	}
	s.hub.register(client)
	s.log.Info("client connected", zap.String("handle", client.id), zap.String("user", client.userID))

	if err := client.Send(model.EventConnected, model.Connected{Handle: client.id, UserID: client.userID}); err != nil {
		s.log.Warn("failed to greet client", zap.String("handle", client.id), zap.Error(err))
	}

	go client.writePump()
	go client.readPump()
}

// Shutdown closes every connection and waits for nothing: disconnect
// cleanup runs in each read pump.
func (s *Server) Shutdown() {
	s.cancel()
	s.hub.closeAll()
}

func decode[T any](s *Server, data json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	if err := s.validate.Struct(v); err != nil {
		return v, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	return v, nil
}

func impersonation(field, got, want string) error {
	return fmt.Errorf("%w: %s %q does not match the connection user %q", model.ErrValidation, field, got, want)
}

func (s *Server) dispatch(ctx context.Context, c *Client, frame model.Frame) {
	var err error
	switch frame.Event {
	case model.EventJoinChat:
		err = s.joinChat(ctx, c, frame.Data)
	case model.EventSendMessage:
		err = s.sendMessage(ctx, c, frame.Data)
	case model.EventMessageRead:
		err = s.messageRead(ctx, c, frame.Data)
	case model.EventOffer:
		err = s.offer(ctx, c, frame.Data)
	case model.EventAnswer:
		err = s.answer(ctx, c, frame.Data)
	case model.EventIceCandidate:
		err = s.iceCandidate(c, frame.Data)
	case model.EventEndCall:
		err = s.endCall(ctx, c, frame.Data)
	default:
		s.log.Debug("unknown event", zap.String("handle", c.id), zap.String("event", frame.Event))
		return
	}
	if err != nil {
		s.report(c, frame.Event, err)
	}
}

// report logs validation failures and tells the client about everything
// else.
func (s *Server) report(c *Client, event string, err error) {
	if errors.Is(err, model.ErrValidation) {
		s.log.Info("dropping invalid event", zap.String("handle", c.id), zap.String("event", event), zap.Error(err))
		return
	}
	s.log.Warn("event failed", zap.String("handle", c.id), zap.String("event", event), zap.Error(err))
	if sendErr := c.Send(model.EventError, model.ErrorEvent{Event: event, Message: err.Error()}); sendErr != nil {
		s.log.Debug("failed to report error", zap.String("handle", c.id), zap.Error(sendErr))
	}
}

func (s *Server) joinChat(ctx context.Context, c *Client, data json.RawMessage) error {
	in, err := decode[model.JoinChat](s, data)
	if err != nil {
		return err
	}
	if in.UserID != c.userID {
		return impersonation("userId", in.UserID, c.userID)
	}
	if _, err := s.engine.MemberChat(ctx, in.ChatID, c.userID); err != nil {
		return err
	}

	s.hub.join(c, in.ChatID)
	if err := s.registry.Register(ctx, c.userID, c); err != nil {
		s.log.Warn("presence update failed", zap.String("user", c.userID), zap.Error(err))
	}

	count, err := s.engine.UnreadCount(ctx, in.ChatID, c.userID)
	if err != nil {
		return err
	}
	return c.Send(model.EventUnreadCount, model.UnreadCount{ChatID: in.ChatID, Count: count})
}

func (s *Server) sendMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	in, err := decode[model.SendMessage](s, data)
	if err != nil {
		return err
	}
	if in.Sender != c.userID {
		return impersonation("sender", in.Sender, c.userID)
	}
	_, _, err = s.engine.SubmitMessage(ctx, in)
	return err
}

func (s *Server) messageRead(ctx context.Context, c *Client, data json.RawMessage) error {
	in, err := decode[model.MessageRead](s, data)
	if err != nil {
		return err
	}
	if in.UserID != c.userID {
		return impersonation("userId", in.UserID, c.userID)
	}
	return s.engine.MarkRead(ctx, in)
}

func (s *Server) offer(ctx context.Context, c *Client, data json.RawMessage) error {
	in, err := decode[model.Offer](s, data)
	if err != nil {
		return err
	}
	if in.Caller != c.userID {
		return impersonation("caller", in.Caller, c.userID)
	}
	_, err = s.relay.Offer(ctx, c, in)
	return err
}

func (s *Server) answer(ctx context.Context, c *Client, data json.RawMessage) error {
	in, err := decode[model.Answer](s, data)
	if err != nil {
		return err
	}
	_, err = s.relay.Answer(ctx, c, in)
	return err
}

func (s *Server) iceCandidate(c *Client, data json.RawMessage) error {
	in, err := decode[model.IceCandidate](s, data)
	if err != nil {
		return err
	}
	_, err = s.relay.IceCandidate(c, in)
	return err
}

func (s *Server) endCall(ctx context.Context, c *Client, data json.RawMessage) error {
	in, err := decode[model.EndCall](s, data)
	if err != nil {
		return err
	}
	_, err = s.relay.EndCall(ctx, c, in)
	return err
}

// disconnect runs once per connection after its read pump stops. Persisted
// messages are never rolled back; only presence and open calls are cleaned
// up.
func (s *Server) disconnect(c *Client) {
	defer c.cancel()
	ctx := context.WithoutCancel(c.ctx)

	s.hub.unregister(c)
	userID, _, err := s.registry.Unregister(ctx, c)
	if err != nil {
		s.log.Warn("presence cleanup failed", zap.String("handle", c.id), zap.Error(err))
	}
	if userID == "" {
		userID = c.userID
	}
	if _, live := s.registry.Lookup(userID); !live {
		s.relay.Abandon(ctx, userID)
	}
	s.log.Info("client disconnected", zap.String("handle", c.id), zap.String("user", userID))
}
