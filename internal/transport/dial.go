package transport

import (
	"context"
	"time"

	"github.com/kvsync-labs/kvsync/internal/retry"
	kvlog "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/log"
)

// dialRetryConfig covers cluster startup, where peers come up in arbitrary
// order and early dials race the remote bind.
var dialRetryConfig = retry.Config{
	Attempts:      30,
	Delay:         100 * time.Millisecond,
	MaxDelay:      2 * time.Second,
	BackoffFactor: 1.5,
	Jitter:        0.2,
}

// Dialer wraps a Network with the startup retry policy.
type Dialer struct {
	net   Network
	retry *retry.Helper
}

// NewDialer creates a retrying dialer over the given network.
func NewDialer(net Network, log kvlog.Logger) *Dialer {
	return &Dialer{net: net, retry: retry.NewHelper(log)}
}

// Dial connects to addr, retrying with capped exponential backoff until the
// peer accepts, attempts run out, or ctx is cancelled.
func (d *Dialer) Dial(ctx context.Context, addr string) (Conn, error) {
	var conn Conn
	cfg := dialRetryConfig
	cfg.Label = "dial " + addr
	err := d.retry.Do(ctx, cfg, func(ctx context.Context) error {
		c, err := d.net.Dial(ctx, addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
