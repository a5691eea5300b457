package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trna-workbench/backend/internal/auth"
	"github.com/trna-workbench/backend/internal/bridge"
	"github.com/trna-workbench/backend/internal/metrics"
	"github.com/trna-workbench/backend/internal/model"
	"github.com/trna-workbench/backend/internal/session"
	"github.com/trna-workbench/backend/internal/worker"
)

// RecordSource reads the in-memory side of the Record Store.
type RecordSource interface {
	Cached(id string) (*model.SequenceRecord, error)
	List() ([]*model.SequenceRecord, error)
}

// Authenticator checks secrets and tokens.
type Authenticator interface {
	Authenticate(secret string) (auth.Token, error)
	Verify(token string) error
	Revoke(token string)
}

// QueryProcessor answers query messages. It runs on the worker pool.
type QueryProcessor interface {
	Process(ctx context.Context, message string) (string, error)
}

// Config holds the collaborators of a Service.
type Config struct {
	Store     RecordSource
	Bridge    *bridge.Bridge
	Auth      Authenticator
	Pool      *worker.Pool
	Processor QueryProcessor
	// AllowedOrigins lists accepted browser origins. Empty or "*" accepts any.
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// Service connects clients to the Record Store through the Hub.
type Service struct {
	hub       *Hub
	store     RecordSource
	auth      Authenticator
	pool      *worker.Pool
	processor QueryProcessor
	handler   *Handler
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewService creates a Service and, when a bridge is given, binds store
// notifications to its Hub.
func NewService(config Config) (*Service, error) {
	if config.Store == nil || config.Auth == nil || config.Pool == nil {
		return nil, errors.New("ws service requires a store, an authenticator and a worker pool")
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Service{
		hub:       NewHub(session.NewRegistry(), log, config.Metrics),
		store:     config.Store,
		auth:      config.Auth,
		pool:      config.Pool,
		processor: config.Processor,
		metrics:   config.Metrics,
		log:       log.Named("ws"),
	}
	s.handler = NewHandler(s, config.AllowedOrigins, log)

	if config.Bridge != nil {
		if err := config.Bridge.RegisterNotifier(s.hub, s.handleChange); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Run runs the event loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.hub.Run(ctx)
}

// Hub returns the event loop.
func (s *Service) Hub() *Hub { return s.hub }

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler { return s.handler }

// handleChange runs on the loop for every committed store mutation.
func (s *Service) handleChange(ctx context.Context, id string, kind model.ChangeKind) error {
	targets := s.hub.registry.Authenticated()

	switch kind {
	case model.ChangeUpdate:
		rec, err := s.store.Cached(id)
		if err != nil {
			return err
		}
		if rec == nil {
			s.log.Debug("record removed before push", zap.String("id", id))
			return nil
		}
		data, err := EncodeRecordUpdate(rec)
		if err != nil {
			return fmt.Errorf("encode record-update: %w", err)
		}
		s.broadcast(MessageTypeRecordUpdate, targets, data)
		return nil

	case model.ChangeClear:
		notice, err := EncodeClearNotice()
		if err != nil {
			return fmt.Errorf("encode clear-notice: %w", err)
		}
		records, err := s.store.List()
		if err != nil {
			return err
		}
		full, err := EncodeFullState(records)
		if err != nil {
			return fmt.Errorf("encode full-state: %w", err)
		}
		s.broadcast(MessageTypeClearNotice, targets, notice)
		s.broadcast(MessageTypeFullState, targets, full)
		return nil
	}
	return fmt.Errorf("unknown change kind %q", kind)
}

func (s *Service) broadcast(msgType MessageType, targets []*session.Session, data []byte) {
	for _, f := range Fanout(targets, data) {
		s.deliveryFailed(msgType, f)
	}
	s.log.Debug("broadcast", zap.String("type", string(msgType)), zap.Int("sessions", len(targets)))
}

func (s *Service) deliveryFailed(msgType MessageType, f DeliveryFailure) {
	s.metrics.DeliveryFailure(string(msgType))
	s.log.Warn("delivery failed", zap.String("type", string(msgType)), zap.String("session", f.SessionID), zap.Error(f.Err))
}

// reply sends one encoded message to sess. Only encoding errors are returned;
// a failed send is logged.
func (s *Service) reply(sess *session.Session, msgType MessageType, data []byte, err error) error {
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	if err := sess.Send(data); err != nil {
		s.deliveryFailed(msgType, DeliveryFailure{SessionID: sess.ID(), Err: err})
	}
	return nil
}

func (s *Service) pushFullState(sess *session.Session) error {
	records, err := s.store.List()
	if err != nil {
		return err
	}
	data, err := EncodeFullState(records)
	return s.reply(sess, MessageTypeFullState, data, err)
}

func (s *Service) updateSessionMetrics() {
	s.metrics.Sessions(s.hub.registry.Counts())
}

// connect registers a new session on the loop.
func (s *Service) connect(sess *session.Session) error {
	return s.hub.Do("register", func(context.Context) error {
		s.hub.registry.Add(sess)
		s.updateSessionMetrics()
		s.log.Info("client connected", zap.String("session", sess.ID()), zap.String("remote", sess.RemoteAddr()))
		return nil
	})
}

// disconnect unregisters a session and revokes its token.
func (s *Service) disconnect(sess *session.Session) {
	err := s.hub.Do("unregister", func(context.Context) error {
		s.hub.registry.Remove(sess.ID())
		s.drop(sess)
		s.updateSessionMetrics()
		s.log.Info("client disconnected", zap.String("session", sess.ID()), zap.Duration("connected_for", time.Since(sess.ConnectedAt())))
		return nil
	})
	if err != nil {
		s.drop(sess)
	}
}

func (s *Service) drop(sess *session.Session) {
	sess.Close()
	if tok := sess.Token(); tok != "" {
		s.auth.Revoke(tok)
	}
}

// receive handles one raw inbound message. It is called by the read pump.
func (s *Service) receive(sess *session.Session, raw []byte) {
	msg, err := ParseInbound(raw)
	if err != nil {
		s.log.Debug("rejected inbound message", zap.String("session", sess.ID()), zap.Error(err))
		s.replyOnLoop(sess, MessageTypeError, err.Error())
		return
	}

	switch msg.Type {
	case MessageTypeAuth:
		s.authenticate(sess, msg.Secret)
	case MessageTypeQuery:
		s.query(sess, msg.Token, msg.Message)
	}
}

func (s *Service) replyOnLoop(sess *session.Session, msgType MessageType, text string) {
	err := s.hub.Do("reply-"+string(msgType), func(context.Context) error {
		var data []byte
		var err error
		if msgType == MessageTypeResponse {
			data, err = EncodeResponse(text)
		} else {
			data, err = EncodeError(text)
		}
		return s.reply(sess, msgType, data, err)
	})
	if err != nil {
		s.log.Debug("reply dropped", zap.String("session", sess.ID()), zap.Error(err))
	}
}

// authenticate checks the secret on the worker pool and completes the
// handshake on the loop.
func (s *Service) authenticate(sess *session.Session, secret string) {
	err := s.pool.Go("authenticate", func(context.Context) {
		tok, authErr := s.auth.Authenticate(secret)
		err := s.hub.Do("auth-result", func(context.Context) error {
			return s.completeAuth(sess, tok, authErr)
		})
		if err != nil && authErr == nil {
			s.auth.Revoke(tok.Value)
		}
	})
	if err != nil {
		s.replyOnLoop(sess, MessageTypeError, "authentication unavailable: "+err.Error())
	}
}

func (s *Service) completeAuth(sess *session.Session, tok auth.Token, authErr error) error {
	if authErr != nil {
		s.log.Warn("authentication rejected", zap.String("session", sess.ID()), zap.String("remote", sess.RemoteAddr()))
		data, err := EncodeAuthFailure(ReasonInvalidSecret)
		return s.reply(sess, MessageTypeAuthResult, data, err)
	}

	previous, err := sess.MarkAuthenticated(tok.Value)
	if err != nil {
		s.auth.Revoke(tok.Value)
		return nil
	}
	if previous != "" {
		s.auth.Revoke(previous)
	}
	s.updateSessionMetrics()
	s.log.Info("client authenticated", zap.String("session", sess.ID()))

	data, err := EncodeAuthSuccess(tok.Value, tok.ExpiresAt)
	if err := s.reply(sess, MessageTypeAuthResult, data, err); err != nil {
		return err
	}
	return s.pushFullState(sess)
}

// query verifies the token on the loop, then runs the processor on the pool.
func (s *Service) query(sess *session.Session, token, message string) {
	err := s.hub.Do("query", func(context.Context) error {
		if err := s.auth.Verify(token); err != nil {
			data, encErr := EncodeAuthFailure(tokenFailureReason(err))
			return s.reply(sess, MessageTypeAuthResult, data, encErr)
		}
		if s.processor == nil {
			data, encErr := EncodeError("queries are not supported")
			return s.reply(sess, MessageTypeError, data, encErr)
		}

		err := s.pool.Go("query", func(ctx context.Context) {
			out, err := s.processor.Process(ctx, message)
			if err != nil {
				s.replyOnLoop(sess, MessageTypeError, "query failed: "+err.Error())
				return
			}
			s.replyOnLoop(sess, MessageTypeResponse, out)
		})
		if err != nil {
			data, encErr := EncodeError("query could not be scheduled")
			return s.reply(sess, MessageTypeError, data, encErr)
		}
		return nil
	})
	if err != nil {
		s.log.Debug("query dropped", zap.String("session", sess.ID()), zap.Error(err))
	}
}

func tokenFailureReason(err error) string {
	if errors.Is(err, model.ErrTokenExpired) {
		return ReasonTokenExpired
	}
	return ReasonInvalidToken
}
