package ws

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var ErrDialFailed = errors.New("could not dial relay")

func Dial(ctx context.Context, url string) (*Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrDialFailed, "%s: %s", url, err.Error())
	}

	return NewConn(conn), nil
}

type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime of zero retries until ctx is done
	MaxElapsedTime time.Duration
	Logger         *slog.Logger
}

func (cfg *RetryConfig) applyDefaults() {
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}

	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 10 * time.Second
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
}

// DialWithRetry keeps dialing with exponential backoff until it connects,
// ctx is done or MaxElapsedTime passes.
func DialWithRetry(ctx context.Context, url string, cfg *RetryConfig) (*Conn, error) {
	if cfg == nil {
		cfg = &RetryConfig{}
	}
	cfg.applyDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialInterval
	eb.MaxInterval = cfg.MaxInterval
	eb.MaxElapsedTime = cfg.MaxElapsedTime

	var conn *Conn
	dial := func() error {
		c, err := Dial(ctx, url)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	notify := func(err error, wait time.Duration) {
		cfg.Logger.Warn("dial failed, retrying", slog.String("url", url), slog.Duration("wait", wait), slog.Any("error", err))
	}

	if err := backoff.RetryNotify(dial, backoff.WithContext(eb, ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(ctxErr, err.Error())
		}
		return nil, err
	}

	return conn, nil
}
