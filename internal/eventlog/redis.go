package eventlog

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTLSConfig describes TLS settings for the redis connection.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the redis stream backend.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	MasterName   string
	Username     string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// RedisStore keeps each stream's history in a redis stream keyed by
// KeyPrefix + stream id. Entry ids are <unix-ms>-<seq>, so XRANGE by time
// returns events in sequence order.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	addrs := cfg.Addrs
	if len(addrs) == 0 && strings.TrimSpace(cfg.Addr) != "" {
		addrs = []string{cfg.Addr}
	}
	if len(addrs) == 0 {
		return nil, errors.New("eventlog: redis address is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	options := &redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		TLSConfig:    tlsConfig,
	}
	client := redis.NewUniversalClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "streamdrop:events:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(streamID string) string {
	return s.prefix + streamID
}

func (s *RedisStore) Append(ctx context.Context, event Event) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(event.StreamID),
		ID:     fmt.Sprintf("%d-%d", event.Time.UnixMilli(), event.Seq),
		Values: []any{
			"seq", strconv.FormatUint(event.Seq, 10),
			"time", event.Time.Format(time.RFC3339Nano),
			"type", string(event.Type),
			"component", event.Component,
			"detail", event.Detail,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd event: %w", err)
	}
	return nil
}

func (s *RedisStore) Query(ctx context.Context, streamID string, since time.Time, limit int) ([]Event, error) {
	start := "-"
	if !since.IsZero() {
		start = strconv.FormatInt(since.UnixMilli(), 10)
	}
	var (
		messages []redis.XMessage
		err      error
	)
	if limit > 0 {
		messages, err = s.client.XRevRangeN(ctx, s.key(streamID), "+", start, int64(limit)).Result()
	} else {
		messages, err = s.client.XRange(ctx, s.key(streamID), start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	events := make([]Event, 0, len(messages))
	for _, msg := range messages {
		event, err := decodeMessage(streamID, msg)
		if err != nil {
			return nil, err
		}
		// Millisecond ids are coarser than event time.
		if event.Time.Before(since) {
			continue
		}
		events = append(events, event)
	}
	if limit > 0 {
		reverse(events)
	}
	return events, nil
}

func (s *RedisStore) Last(ctx context.Context, streamID string) (Event, bool, error) {
	messages, err := s.client.XRevRangeN(ctx, s.key(streamID), "+", "-", 1).Result()
	if err != nil {
		return Event{}, false, fmt.Errorf("read last event: %w", err)
	}
	if len(messages) == 0 {
		return Event{}, false, nil
	}
	event, err := decodeMessage(streamID, messages[0])
	if err != nil {
		return Event{}, false, err
	}
	return event, true, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeMessage(streamID string, msg redis.XMessage) (Event, error) {
	field := func(name string) string {
		if v, ok := msg.Values[name].(string); ok {
			return v
		}
		return ""
	}
	seq, err := strconv.ParseUint(field("seq"), 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("decode event %s seq: %w", msg.ID, err)
	}
	at, err := time.Parse(time.RFC3339Nano, field("time"))
	if err != nil {
		return Event{}, fmt.Errorf("decode event %s time: %w", msg.ID, err)
	}
	return Event{
		StreamID:  streamID,
		Seq:       seq,
		Time:      at.UTC(),
		Type:      Type(field("type")),
		Component: field("component"),
		Detail:    field("detail"),
	}, nil
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: cfg.ServerName, InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CAFile != "" {
		data, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read redis CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, errors.New("redis CA file contains no certificates")
		}
		tlsCfg.RootCAs = pool
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.New("redis TLS client certificate requires both cert and key files")
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
