// Package redisfanout lets several relay instances share their broadcasts over Redis pub/sub.
package redisfanout

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/denismitr/synceddb/protocol"
	"github.com/denismitr/synceddb/relay"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultChannel = "synceddb:changes"

var ErrPublishFailed = errors.New("could not publish change")
var ErrMalformedEnvelope = errors.New("malformed fanout envelope")

type Closer func() error

type Config struct {
	// Channel defaults to synceddb:changes
	Channel string
	Logger  *slog.Logger
}

func (cfg *Config) applyTo(f *Fanout) {
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	f.channel = cfg.Channel
	f.logger = cfg.Logger.With(slog.String("channel", cfg.Channel))
}

type envelope struct {
	Origin string          `json:"origin"`
	Change json.RawMessage `json:"change"`
}

var _ relay.Fanout = (*Fanout)(nil)

type Fanout struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func New(client redis.UniversalClient, cfg *Config) *Fanout {
	if cfg == nil {
		cfg = &Config{}
	}

	f := &Fanout{client: client}
	cfg.applyTo(f)
	return f
}

func (f *Fanout) Publish(ctx context.Context, origin string, c protocol.Change) error {
	b, err := encodeEnvelope(origin, c)
	if err != nil {
		return err
	}

	if err := f.client.Publish(ctx, f.channel, b).Err(); err != nil {
		return errors.Wrap(ErrPublishFailed, err.Error())
	}

	return nil
}

// Attach subscribes r to changes published by its peers. Changes r published
// itself are skipped since its own sessions already have them.
func (f *Fanout) Attach(ctx context.Context, r *relay.Relay) (Closer, error) {
	sub := f.client.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Wrapf(err, "could not subscribe to %s", f.channel)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			origin, c, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				f.logger.Warn("dropping fanout message", slog.Any("error", err))
				continue
			}

			if origin == r.ID() {
				continue
			}

			n := r.Deliver(c)
			f.logger.Debug("peer change delivered",
				slog.String("origin", origin),
				slog.String("store", c.Store()),
				slog.String("key", c.RecordKey()),
				slog.Int("sessions", n),
			)
		}
	}()

	return func() error {
		err := sub.Close()
		<-done
		return err
	}, nil
}

func encodeEnvelope(origin string, c protocol.Change) ([]byte, error) {
	change, err := protocol.Encode(c)
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(envelope{Origin: origin, Change: change})
	if err != nil {
		return nil, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}

	return b, nil
}

func decodeEnvelope(b []byte) (string, protocol.Change, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return "", nil, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}

	if env.Origin == "" {
		return "", nil, errors.Wrap(ErrMalformedEnvelope, "origin is missing")
	}

	c, err := protocol.DecodeChange(env.Change)
	if err != nil {
		return "", nil, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}

	return env.Origin, c, nil
}
