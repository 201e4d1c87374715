package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/companion-chat/pkg/channel"
	"github.com/example/companion-chat/pkg/grants"
	"github.com/example/companion-chat/pkg/otelhelper"
)

// AuthorizeRequest is the payload clients send to channels.authorize.
type AuthorizeRequest struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

// AuthorizeResponse is the reply. Error carries one of the rejection codes
// "unauthenticated", "unauthorized", "bad_request" or "internal".
type AuthorizeResponse struct {
	Granted   bool   `json:"granted"`
	Channel   string `json:"channel,omitempty"`
	Grant     string `json:"grant,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	Error     string `json:"error,omitempty"`
}

type authorizer interface {
	Authorize(ctx context.Context, sessionToken, channelName string) (*grants.Grant, error)
}

// AuthHandler answers channel subscription authorization requests.
type AuthHandler struct {
	authorizer   authorizer
	authCounter  metric.Int64Counter
	authDuration metric.Float64Histogram
}

func NewAuthHandler(a authorizer, meter metric.Meter) *AuthHandler {
	authCounter, _ := meter.Int64Counter("authorize_requests_total")
	authDuration, _ := otelhelper.NewDurationHistogram(meter, "authorize_request_duration_seconds", "Authorization request duration")
	return &AuthHandler{
		authorizer:   a,
		authCounter:  authCounter,
		authDuration: authDuration,
	}
}

// process evaluates one request and maps the error taxonomy onto wire codes.
func (h *AuthHandler) process(ctx context.Context, req AuthorizeRequest) AuthorizeResponse {
	grant, err := h.authorizer.Authorize(ctx, req.Token, req.Channel)
	if err == nil {
		return AuthorizeResponse{
			Granted:   true,
			Channel:   grant.Channel,
			Grant:     grant.Token,
			ExpiresAt: grant.ExpiresAt.Unix(),
		}
	}

	resp := AuthorizeResponse{Channel: req.Channel}
	switch {
	case errors.Is(err, channel.ErrMalformed):
		resp.Error = "bad_request"
	case errors.Is(err, grants.ErrUnauthenticated):
		resp.Error = "unauthenticated"
	case errors.Is(err, grants.ErrUnauthorized):
		resp.Error = "unauthorized"
	default:
		// Store or signing failure, not an authorization outcome.
		slog.ErrorContext(ctx, "Authorization check failed", "channel", req.Channel, "error", err)
		resp.Error = "internal"
	}
	return resp
}

// Handle processes a single channels.authorize request message.
func (h *AuthHandler) Handle(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "channel authorize")
	defer span.End()
	defer func() {
		h.authDuration.Record(ctx, time.Since(start).Seconds())
	}()

	var req AuthorizeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.WarnContext(ctx, "Malformed authorize request", "error", err)
		span.RecordError(err)
		h.respond(ctx, msg, AuthorizeResponse{Error: "bad_request"})
		return
	}
	span.SetAttributes(attribute.String("auth.channel", req.Channel))

	resp := h.process(ctx, req)
	result := "granted"
	if !resp.Granted {
		result = resp.Error
		slog.InfoContext(ctx, "Rejected channel subscription", "channel", req.Channel, "code", resp.Error)
	} else {
		slog.InfoContext(ctx, "Granted channel subscription", "channel", req.Channel)
	}
	span.SetAttributes(attribute.String("auth.result", result))
	h.authCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))

	h.respond(ctx, msg, resp)
}

func (h *AuthHandler) respond(ctx context.Context, msg *nats.Msg, resp AuthorizeResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal authorize response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.ErrorContext(ctx, "Failed to send authorize response", "error", err)
	}
}
