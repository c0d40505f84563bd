package statestore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aurelabs/assay/internal/logx"
	"github.com/aurelabs/assay/internal/stage"
)

const keyPrefix = "assay:session:"

// snapshotTTL bounds how long an abandoned snapshot outlives its session.
const snapshotTTL = 24 * time.Hour

// redisStore implements Store backed by a Redis instance.
type redisStore struct {
	client redis.UniversalClient
	ctx    context.Context
}

// NewRedisStore connects to the given Redis URL and returns a Store.
func NewRedisStore(addr string) (Store, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	rs := &redisStore{client: c, ctx: context.Background()}
	if err := c.Ping(rs.ctx).Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

// parseRedisURL parses addr into UniversalOptions supporting single,
// cluster, and sentinel Redis deployments. If no scheme is present, addr
// is treated as a plain host:port string.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch u.Scheme {
	case "redis", "rediss":
		if u.Path != "" && u.Path != "/" {
			if db, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/")); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		} else if dbStr := q.Get("db"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = tlsCfg
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if dbStr := q.Get("db"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		}
		if v := q.Get("sentinel_username"); v != "" {
			opts.SentinelUsername = v
		}
		if v := q.Get("sentinel_password"); v != "" {
			opts.SentinelPassword = v
		}
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = tlsCfg
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}

	return opts, nil
}

func (r *redisStore) Save(id string, st stage.StatusUpdate) {
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := r.client.Set(r.ctx, keyPrefix+id, b, snapshotTTL).Err(); err != nil {
		logx.Log.Warn().Err(err).Str("session_id", id).Msg("redis save")
	}
}

func (r *redisStore) Load(id string) (stage.StatusUpdate, bool) {
	b, err := r.client.Get(r.ctx, keyPrefix+id).Bytes()
	if err != nil {
		return stage.StatusUpdate{}, false
	}
	var st stage.StatusUpdate
	if err := json.Unmarshal(b, &st); err != nil {
		return stage.StatusUpdate{}, false
	}
	return st, true
}

func (r *redisStore) Delete(id string) {
	_ = r.client.Del(r.ctx, keyPrefix+id).Err()
}
