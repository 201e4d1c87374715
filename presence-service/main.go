package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/companion-chat/pkg/channel"
	"github.com/example/companion-chat/pkg/otelhelper"
	"github.com/example/companion-chat/pkg/presence"
)

// Config is read from the environment.
type Config struct {
	NatsURL  string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NatsUser string `env:"NATS_USER" envDefault:"presence-service"`
	NatsPass string `env:"NATS_PASS" envDefault:"presence-service-secret"`
}

// ChannelChangedEvent is a membership delta published by the conversation
// collaborator on channel.changed.{channel}.
type ChannelChangedEvent struct {
	Channel string            `json:"channel"`
	Action  string            `json:"action"` // "join" or "leave"
	User    presence.Identity `json:"user"`
}

// PresenceEvent is broadcast on presence.event.{channel} whenever a
// channel's active set changes.
type PresenceEvent struct {
	Type    string              `json:"type"` // "snapshot", "joined" or "left"
	Channel string              `json:"channel"`
	Members []presence.Identity `json:"members,omitempty"`
	Member  *presence.Identity  `json:"member,omitempty"`
}

// MembersResponse answers a presence.members.{channel} query.
type MembersResponse struct {
	Channel string              `json:"channel"`
	Members []presence.Identity `json:"members"`
	Error   string              `json:"error,omitempty"`
}

// kvMember is the value stored per CHANNELS KV key ("{channel}.{userID}").
type kvMember struct {
	Handle string `json:"handle,omitempty"`
}

// service wires the tracker to the NATS transport.
type service struct {
	nc      *nats.Conn
	tracker *presence.Tracker

	kvMu sync.RWMutex
	kv   nats.KeyValue

	eventCounter metric.Int64Counter
	dropCounter  metric.Int64Counter
}

func (s *service) channelsKV() nats.KeyValue {
	s.kvMu.RLock()
	defer s.kvMu.RUnlock()
	return s.kv
}

func (s *service) setChannelsKV(kv nats.KeyValue) {
	s.kvMu.Lock()
	defer s.kvMu.Unlock()
	s.kv = kv
}

// ensureTracked starts tracking a channel on first sight and pumps its
// subscription stream out to presence.event.{channel}.
func (s *service) ensureTracked(name string) {
	if _, err := s.tracker.CurrentMembers(name); err == nil {
		return
	}
	sub, err := s.tracker.Subscribe(name)
	if err != nil {
		slog.Warn("Failed to track channel", "channel", name, "error", err)
		return
	}
	go s.pumpEvents(sub)
}

// pumpEvents publishes each tracker update for a channel until the stream is
// closed by Unsubscribe.
func (s *service) pumpEvents(sub *presence.Subscription) {
	for update := range sub.C {
		evt := PresenceEvent{Channel: sub.Channel}
		switch update.Kind {
		case presence.UpdateSnapshot:
			evt.Type = "snapshot"
			evt.Members = update.Members
		case presence.UpdateJoined:
			evt.Type = "joined"
			member := update.Member
			evt.Member = &member
		case presence.UpdateLeft:
			evt.Type = "left"
			member := update.Member
			evt.Member = &member
		}
		data, err := json.Marshal(evt)
		if err != nil {
			slog.Warn("Failed to marshal presence event", "channel", sub.Channel, "error", err)
			continue
		}
		otelhelper.TracedPublish(context.Background(), s.nc, "presence.event."+sub.Channel, data)
		s.eventCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("type", evt.Type),
		))
	}
}

// handleDelta folds one channel.changed.* message into the tracker.
// Malformed events are logged and dropped; they never stop the loop.
func (s *service) handleDelta(msg *nats.Msg) {
	var evt ChannelChangedEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		slog.Warn("Dropping malformed channel.changed event", "error", err)
		s.dropCounter.Add(context.Background(), 1)
		return
	}
	if evt.Channel == "" {
		evt.Channel = strings.TrimPrefix(msg.Subject, "channel.changed.")
	}

	ch, err := channel.Parse(evt.Channel)
	if err != nil || ch.Kind != channel.KindPresence {
		slog.Warn("Dropping event for non-presence channel", "channel", evt.Channel)
		s.dropCounter.Add(context.Background(), 1)
		return
	}
	if evt.User.ID == "" {
		slog.Warn("Dropping channel.changed event without user", "channel", evt.Channel)
		s.dropCounter.Add(context.Background(), 1)
		return
	}

	s.ensureTracked(evt.Channel)
	switch evt.Action {
	case "join":
		s.tracker.Feed(presence.MembershipEvent{Channel: evt.Channel, Identity: evt.User, Kind: presence.EventJoined})
	case "leave":
		s.tracker.Feed(presence.MembershipEvent{Channel: evt.Channel, Identity: evt.User, Kind: presence.EventLeft})
	default:
		slog.Warn("Dropping channel.changed event with unknown action", "action", evt.Action)
		s.dropCounter.Add(context.Background(), 1)
	}
}

// handleClosed releases tracking when the conversation collaborator closes a
// channel. Deltas racing the release are dropped by the tracker.
func (s *service) handleClosed(msg *nats.Msg) {
	name := strings.TrimPrefix(msg.Subject, "channel.closed.")
	if err := s.tracker.Unsubscribe(name); err != nil {
		slog.Debug("Close for untracked channel", "channel", name)
		return
	}
	slog.Info("Released channel tracking", "channel", name)
}

// snapshotFromKV reads one channel's member list out of the CHANNELS bucket.
func (s *service) snapshotFromKV(name string) ([]presence.Identity, error) {
	kv := s.channelsKV()
	if kv == nil {
		return nil, nats.ErrConnectionClosed
	}
	keys, err := kv.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, err
	}

	prefix := name + "."
	var members []presence.Identity
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		id := presence.Identity{ID: key[len(prefix):]}
		if entry, err := kv.Get(key); err == nil {
			var m kvMember
			if json.Unmarshal(entry.Value(), &m) == nil {
				id.Handle = m.Handle
			}
		}
		members = append(members, id)
	}
	return members, nil
}

// resync overwrites a channel's active set from the KV bucket. Called when a
// channel's delta queue overflows; a full snapshot is always safe to apply.
func (s *service) resync(name string) {
	members, err := s.snapshotFromKV(name)
	if err != nil {
		slog.Warn("Resync failed", "channel", name, "error", err)
		return
	}
	s.tracker.ApplySnapshot(name, members)
	slog.Info("Resynced channel from KV snapshot", "channel", name, "members", len(members))
}

// hydrate rebuilds every presence channel's active set from the CHANNELS KV
// bucket. Runs after subscribing to deltas (subscribe-first pattern) and
// again after NATS reconnects; ApplySnapshot overwrites, so replaying over
// live state is safe.
func (s *service) hydrate() {
	kv := s.channelsKV()
	if kv == nil {
		return
	}
	keys, err := kv.Keys()
	if err != nil {
		if err != nats.ErrNoKeysFound {
			slog.Warn("Hydration failed to list CHANNELS keys", "error", err)
		}
		return
	}

	byChannel := make(map[string][]presence.Identity)
	for _, key := range keys {
		dotIdx := strings.LastIndex(key, ".")
		if dotIdx < 0 {
			continue
		}
		name, userID := key[:dotIdx], key[dotIdx+1:]
		if _, err := channel.Parse(name); err != nil {
			continue
		}
		id := presence.Identity{ID: userID}
		if entry, err := kv.Get(key); err == nil {
			var m kvMember
			if json.Unmarshal(entry.Value(), &m) == nil {
				id.Handle = m.Handle
			}
		}
		byChannel[name] = append(byChannel[name], id)
	}

	for name, members := range byChannel {
		s.ensureTracked(name)
		s.tracker.ApplySnapshot(name, members)
	}
	slog.Info("Hydrated channel membership from CHANNELS KV", "channels", len(byChannel), "entries", len(keys))
}

// bindChannelsKV retries binding to the CHANNELS bucket until the
// conversation collaborator creates it.
func bindChannelsKV(js nats.JetStreamContext) (nats.KeyValue, error) {
	var kv nats.KeyValue
	var err error
	for attempt := 1; attempt <= 60; attempt++ {
		kv, err = js.KeyValue("CHANNELS")
		if err == nil {
			slog.Info("Bound to CHANNELS KV bucket")
			return kv, nil
		}
		if attempt%10 == 1 {
			slog.Info("Waiting for CHANNELS KV bucket", "attempt", attempt, "error", err)
		}
		time.Sleep(2 * time.Second)
	}
	return nil, err
}

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Error("Failed to parse configuration", "error", err)
		os.Exit(1)
	}

	meter := otel.Meter("presence-service")
	eventCounter, _ := meter.Int64Counter("presence_events_total",
		metric.WithDescription("Presence updates published to clients"))
	dropCounter, _ := meter.Int64Counter("presence_dropped_events_total",
		metric.WithDescription("Malformed or unroutable membership events dropped"))
	queryCounter, _ := meter.Int64Counter("presence_queries_total",
		metric.WithDescription("Point-in-time member queries served"))
	queryDuration, _ := otelhelper.NewDurationHistogram(meter, "presence_query_duration_seconds", "Duration of member queries")
	channelGauge, _ := meter.Int64ObservableGauge("presence_tracked_channels",
		metric.WithDescription("Channels with live tracking state"))

	slog.Info("Starting Presence Service", "nats_url", cfg.NatsURL)

	svc := &service{
		eventCounter: eventCounter,
		dropCounter:  dropCounter,
	}
	svc.tracker = presence.NewTracker(presence.Options{Resync: svc.resync})

	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(channelGauge, int64(len(svc.tracker.Channels())))
		return nil
	}, channelGauge)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("presence-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected — re-hydrating channel membership")
				go func() {
					js, jsErr := nc.JetStream()
					if jsErr != nil {
						slog.Error("Failed to get JetStream after reconnect", "error", jsErr)
						return
					}
					kv, kvErr := bindChannelsKV(js)
					if kvErr != nil {
						slog.Error("Failed to bind CHANNELS KV after reconnect", "error", kvErr)
						return
					}
					svc.setChannelsKV(kv)
					svc.hydrate()
				}()
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	svc.nc = nc
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}

	// Subscribe to membership deltas BEFORE hydrating so no event falls into
	// the gap between snapshot and live stream.
	if _, err := nc.Subscribe("channel.changed.*", svc.handleDelta); err != nil {
		slog.Error("Failed to subscribe to channel.changed.*", "error", err)
		os.Exit(1)
	}
	if _, err := nc.Subscribe("channel.closed.*", svc.handleClosed); err != nil {
		slog.Error("Failed to subscribe to channel.closed.*", "error", err)
		os.Exit(1)
	}

	kv, kvErr := bindChannelsKV(js)
	if kvErr != nil {
		slog.Warn("Could not bind CHANNELS KV for hydration", "error", kvErr)
	} else {
		svc.setChannelsKV(kv)
		svc.hydrate()
	}

	// Point-in-time member queries, request/reply.
	_, err = nc.Subscribe("presence.members.*", func(msg *nats.Msg) {
		start := time.Now()
		ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "presence members query")
		defer span.End()

		name := strings.TrimPrefix(msg.Subject, "presence.members.")
		span.SetAttributes(attribute.String("presence.channel", name))

		resp := MembersResponse{Channel: name}
		members, err := svc.tracker.CurrentMembers(name)
		if err != nil {
			resp.Error = "not_subscribed"
		} else {
			resp.Members = members
		}

		data, err := json.Marshal(resp)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to marshal members response", "error", err)
			span.RecordError(err)
			return
		}
		msg.Respond(data)

		attrs := metric.WithAttributes(attribute.String("channel", name))
		queryCounter.Add(ctx, 1, attrs)
		queryDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		slog.DebugContext(ctx, "Served members query", "channel", name, "members", len(resp.Members))
	})
	if err != nil {
		slog.Error("Failed to subscribe to presence.members.*", "error", err)
		os.Exit(1)
	}

	slog.Info("Presence service ready — listening for channel.changed.*, channel.closed.*, presence.members.*")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down presence service")
	nc.Drain()
	svc.tracker.Close()
	slog.Info("Presence service shutdown complete")
}
