// Package coordination wraps a Redis instance used as the cross-process
// coordination store: rate-limiter counters and sliding windows, the
// token-usage buffer's overflow list, SMS code state, and distributed
// locks. go-redis is confined to this package; every other package
// depends on the Cmdable interface, never on go-redis directly.
package coordination

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// Cmdable is a type alias for redis.Cmdable. Adapters accept this interface
// instead of importing go-redis directly, keeping the library confined to
// internal/coordination/.
type Cmdable = redis.Cmdable

// Config holds the parameters needed to connect to the coordination store.
type Config struct {
	Addr         string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps a go-redis client. The RDB field satisfies the Cmdable
// interface and is the handle adapters use for store operations.
type Client struct {
	RDB *redis.Client
}

// NewClient creates a new coordination store client configured from cfg.
func NewClient(cfg Config) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Client{RDB: rdb}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.RDB.Close()
}
