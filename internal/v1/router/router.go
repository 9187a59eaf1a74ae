// Package router is the single entry point for inbound frames: it
// enforces handshake ordering, runs every safety check in a fixed order,
// schema-validates the payload, and dispatches to the owning service.
package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaychat/server/internal/v1/config"
	"github.com/relaychat/server/internal/v1/logging"
	"github.com/relaychat/server/internal/v1/message"
	"github.com/relaychat/server/internal/v1/metrics"
	"github.com/relaychat/server/internal/v1/presence"
	"github.com/relaychat/server/internal/v1/protocol"
	"github.com/relaychat/server/internal/v1/ratelimit"
	"github.com/relaychat/server/internal/v1/replay"
	"github.com/relaychat/server/internal/v1/room"
	"github.com/relaychat/server/internal/v1/session"
	"github.com/relaychat/server/internal/v1/store"
)

// Router implements session.FrameSink.
type Router struct {
	cfg        *config.Config
	sessions   *session.Manager
	messages   *message.Service
	rooms      *room.Registry
	replay     *replay.Engine
	presence   *presence.Engine
	userLimits *ratelimit.UserLimiter
	typing     *store.TypingLimiter
}

// New wires the router.
func New(cfg *config.Config, sessions *session.Manager, messages *message.Service, rooms *room.Registry, rp *replay.Engine, pr *presence.Engine, userLimits *ratelimit.UserLimiter, typing *store.TypingLimiter) *Router {
	return &Router{
		cfg:        cfg,
		sessions:   sessions,
		messages:   messages,
		rooms:      rooms,
		replay:     rp,
		presence:   pr,
		userLimits: userLimits,
		typing:     typing,
	}
}

// HandleDisconnect removes the socket from the session table.
func (r *Router) HandleDisconnect(sock *session.Socket) {
	ctx := logging.WithUserID(context.Background(), sock.UserID)
	r.sessions.Detach(ctx, sock)
}

// HandleFrame processes one raw inbound frame. A handler panic is
// contained here: the client gets INTERNAL_ERROR and the socket lives on.
func (r *Router) HandleFrame(sock *session.Socket, raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		// Repeated garbage stops earning a response.
		if !sock.PayloadViolation() {
			sock.Send(protocol.TypeError,
				protocol.NewError(protocol.CodeInvalidPayload, "frame is not a valid JSON object with a type", ""), "")
		}
		return
	}

	correlationID := env.CorrelationID
	if correlationID == "" {
		correlationID = protocol.NewCorrelationID()
	}
	ctx := logging.WithCorrelationID(context.Background(), correlationID)
	ctx = logging.WithUserID(ctx, sock.UserID)
	ctx = logging.WithConnectionID(ctx, sock.ID)

	defer func() {
		if rec := recover(); rec != nil {
			logging.Error(ctx, "frame handler panicked",
				zap.Any("panic", rec), zap.String("frameType", string(env.Type)))
			metrics.FramesProcessed.WithLabelValues(string(env.Type), "panic").Inc()
			sock.Send(protocol.TypeError,
				protocol.NewError(protocol.CodeInternalError, "internal error", correlationID), "")
		}
	}()

	start := time.Now()
	status := r.process(ctx, sock, env, correlationID, raw)
	metrics.FrameProcessingDuration.WithLabelValues(string(env.Type)).Observe(time.Since(start).Seconds())
	metrics.FramesProcessed.WithLabelValues(string(env.Type), status).Inc()
}

func (r *Router) process(ctx context.Context, sock *session.Socket, env protocol.Envelope, correlationID string, raw []byte) string {
	// Handshake ordering: nothing but HELLO before HELLO.
	if !sock.HelloDone() && env.Type != protocol.TypeHello {
		sock.Send(protocol.TypeError,
			protocol.NewError(protocol.CodeHelloRequired, "HELLO must be the first frame", correlationID), "")
		sock.CloseWithCode(protocol.ClosePolicyViolation, "frame before HELLO")
		return "rejected"
	}

	if env.Type != protocol.TypeHello {
		// Zombie check: a socket the session table no longer owns, or
		// whose capability set contradicts its role, gets 4004.
		if !r.sessions.ValidateContext(sock) {
			logging.Warn(ctx, "dropping frame from zombie socket",
				zap.String("frameType", string(env.Type)))
			sock.CloseWithCode(protocol.CloseInvalidConnState, "connection state lost")
			return "rejected"
		}
		// The version was negotiated at HELLO; a frame claiming another
		// one afterwards is answered without closing the socket.
		if env.Version != "" && env.Version != r.cfg.ProtocolVersion {
			sock.Send(protocol.TypeError,
				protocol.NewError(protocol.CodeVersionMismatch, "unsupported protocol version", correlationID), "")
			return "rejected"
		}
	}

	if !r.runLimiters(ctx, sock, env, correlationID) {
		return "rate_limited"
	}

	frame, err := protocol.DecodeFrame(env, raw)
	if err != nil {
		if err == protocol.ErrUnknownType {
			sock.Send(protocol.TypeError,
				protocol.NewError(protocol.CodeUnknownType, "unknown frame type", correlationID), "")
			return "rejected"
		}
		if protocol.IsSend(env.Type) {
			sock.Send(protocol.TypeMessageNack,
				protocol.NewMessageNack("", protocol.CodeValidationError, err.Error()), "")
		} else {
			sock.Send(protocol.TypeError,
				protocol.NewError(protocol.CodeValidationError, err.Error(), correlationID), "")
		}
		return "rejected"
	}

	res := r.dispatch(ctx, sock, frame, correlationID)
	if !res.OK {
		r.sendFailure(sock, env.Type, res, correlationID)
		return "error"
	}
	return "ok"
}

// runLimiters applies the per-socket rolling window, the per-user budgets,
// the send-only fixed window, and the typing bucket — in that order.
func (r *Router) runLimiters(ctx context.Context, sock *session.Socket, env protocol.Envelope, correlationID string) bool {
	if !protocol.IsNoise(env.Type) && env.Type != protocol.TypeHello {
		verdict := sock.Limiter.Check(time.Now())
		if !verdict.Allowed {
			metrics.RateLimitViolations.WithLabelValues("socket").Inc()
			if verdict.Close {
				logging.Warn(ctx, "closing socket over rate limit escalation",
					zap.Int("violations", sock.Limiter.Violations()))
				sock.Send(protocol.TypeError,
					protocol.NewError(protocol.CodeRateLimited, "rate limit violations exceeded", correlationID), "")
				sock.CloseWithCode(protocol.ClosePolicyViolation, "rate limit violations exceeded")
				return false
			}
			errFrame := protocol.NewError(protocol.CodeRateLimited, "too many frames", correlationID)
			errFrame.RetryAfterMs = verdict.RetryAfter.Milliseconds()
			sock.Send(protocol.TypeError, errFrame, "")
			return false
		}
		if verdict.Warn {
			sock.Send(protocol.TypeRateLimitWarning, protocol.RateLimitWarning{
				Type:      protocol.TypeRateLimitWarning,
				Remaining: verdict.Remaining,
				ResetMs:   r.cfg.RateLimitWindow.Milliseconds(),
			}, "")
		}

		if ok, retry := r.userLimits.CheckGeneric(ctx, sock.UserID); !ok {
			errFrame := protocol.NewError(protocol.CodeRateLimited, "per-user frame budget exceeded", correlationID)
			errFrame.RetryAfterMs = retry.Milliseconds()
			sock.Send(protocol.TypeError, errFrame, "")
			return false
		}
	}

	if protocol.IsSensitive(env.Type) {
		if ok, retry := r.userLimits.CheckSensitive(ctx, sock.UserID); !ok {
			errFrame := protocol.NewError(protocol.CodeRateLimited, "sensitive operation budget exceeded", correlationID)
			errFrame.RetryAfterMs = retry.Milliseconds()
			sock.Send(protocol.TypeError, errFrame, "")
			return false
		}
	}

	if protocol.IsSend(env.Type) {
		if ok, retry := sock.SendLimiter.Allow(time.Now()); !ok {
			metrics.RateLimitViolations.WithLabelValues("send").Inc()
			nack := protocol.NewMessageNack("", protocol.CodeRateLimited, "send rate exceeded")
			sock.Send(protocol.TypeMessageNack, nack, "")
			errFrame := protocol.NewError(protocol.CodeRateLimited, "send rate exceeded", correlationID)
			errFrame.RetryAfterMs = retry.Milliseconds()
			sock.Send(protocol.TypeError, errFrame, "")
			return false
		}
	}

	return true
}

// sendFailure translates a failed Result into the right wire shape.
func (r *Router) sendFailure(sock *session.Socket, t protocol.FrameType, res protocol.Result, correlationID string) {
	if protocol.IsSend(t) {
		sock.Send(protocol.TypeMessageNack,
			protocol.NewMessageNack("", res.Code, res.Message), "")
		return
	}
	sock.Send(protocol.TypeError, protocol.NewError(res.Code, res.Message, correlationID), "")
}
