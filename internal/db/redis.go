package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// ParseRedisURL accepts either a bare host:port address or a redis:// or
// rediss:// URL. A URL whose userinfo is only a password is accepted too.
func ParseRedisURL(raw string) (*redis.Options, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, eris.New("db: empty redis url")
	}
	if !strings.Contains(raw, "://") {
		return &redis.Options{Addr: raw}, nil
	}

	// redis://secret@host:6379 means password "secret", no username.
	for _, scheme := range []string{"redis://", "rediss://"} {
		rest, ok := strings.CutPrefix(raw, scheme)
		if !ok {
			continue
		}
		if auth, host, found := strings.Cut(rest, "@"); found && !strings.Contains(auth, ":") {
			raw = fmt.Sprintf("%s:%s@%s", scheme, auth, host)
		}
	}

	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, eris.Wrap(err, "db: parse redis url")
	}
	return opts, nil
}

// NewRedis opens a client for raw and checks the connection.
func NewRedis(ctx context.Context, raw string) (*redis.Client, error) {
	opts, err := ParseRedisURL(raw)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "db: ping redis %s", opts.Addr)
	}
	return client, nil
}
