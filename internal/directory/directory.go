// Package directory publishes masters and their nodes to Redis so slaves can find
// a master without scanning, and operators can see the cluster from outside.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yqhp/taskmesh/pkg/utils"
)

// NodeRecord is the published view of one registered node.
type NodeRecord struct {
	ID           string    `json:"id"`
	Master       string    `json:"master"`
	State        string    `json:"state"`
	AssignedTask string    `json:"assigned_task,omitempty"`
	CPUCount     int       `json:"cpu_count,omitempty"`
	Hostname     string    `json:"hostname,omitempty"`
	LastContact  time.Time `json:"last_contact"`
}

// Directory is the cluster lookup used by masters and slaves.
type Directory interface {
	// AdvertiseMaster announces a master's initialize endpoint (host:port).
	AdvertiseMaster(ctx context.Context, addr string) error
	// WithdrawMaster removes an advertisement.
	WithdrawMaster(ctx context.Context, addr string) error
	// Masters lists advertised initialize endpoints.
	Masters(ctx context.Context) ([]string, error)
	PublishNode(ctx context.Context, rec NodeRecord) error
	RemoveNode(ctx context.Context, id string) error
	Nodes(ctx context.Context) ([]NodeRecord, error)
	// SyncNodes publishes recs and removes every other node of the same master.
	SyncNodes(ctx context.Context, master string, recs []NodeRecord) error
}

// RedisDirectory stores entries as TTL-bound keys:
// <prefix>:master:<addr> and <prefix>:node:<id>.
type RedisDirectory struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

// Options configures a RedisDirectory.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options, log *zap.Logger) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}
	return New(client, opts.Prefix, opts.TTL, log), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string, ttl time.Duration, log *zap.Logger) *RedisDirectory {
	if prefix == "" {
		prefix = "taskmesh"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisDirectory{client: client, prefix: prefix, ttl: ttl, log: log}
}

func (d *RedisDirectory) masterKey(addr string) string {
	return d.prefix + ":master:" + addr
}

func (d *RedisDirectory) nodeKey(id string) string {
	return d.prefix + ":node:" + id
}

func (d *RedisDirectory) AdvertiseMaster(ctx context.Context, addr string) error {
	return d.client.Set(ctx, d.masterKey(addr), time.Now().UTC().Format(time.RFC3339), d.ttl).Err()
}

func (d *RedisDirectory) WithdrawMaster(ctx context.Context, addr string) error {
	return d.client.Del(ctx, d.masterKey(addr)).Err()
}

func (d *RedisDirectory) Masters(ctx context.Context) ([]string, error) {
	keys, err := d.client.Keys(ctx, d.masterKey("*")).Result()
	if err != nil {
		return nil, err
	}
	prefix := d.masterKey("")
	addrs := make([]string, 0, len(keys))
	for _, key := range keys {
		addrs = append(addrs, strings.TrimPrefix(key, prefix))
	}
	return addrs, nil
}

func (d *RedisDirectory) PublishNode(ctx context.Context, rec NodeRecord) error {
	data, err := utils.ToJSONBytes(rec)
	if err != nil {
		return err
	}
	return d.client.Set(ctx, d.nodeKey(rec.ID), data, d.ttl).Err()
}

func (d *RedisDirectory) RemoveNode(ctx context.Context, id string) error {
	return d.client.Del(ctx, d.nodeKey(id)).Err()
}

func (d *RedisDirectory) Nodes(ctx context.Context) ([]NodeRecord, error) {
	keys, err := d.client.Keys(ctx, d.nodeKey("*")).Result()
	if err != nil {
		return nil, err
	}

	var nodes []NodeRecord
	for _, key := range keys {
		val, err := d.client.Get(ctx, key).Bytes()
		if err != nil {
			// Expired between KEYS and GET.
			if !errors.Is(err, redis.Nil) {
				d.log.Debug("read node record failed", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		rec, err := utils.FromJSONBytes[NodeRecord](val)
		if err != nil {
			d.log.Debug("bad node record", zap.String("key", key), zap.Error(err))
			continue
		}
		nodes = append(nodes, rec)
	}
	return nodes, nil
}

func (d *RedisDirectory) SyncNodes(ctx context.Context, master string, recs []NodeRecord) error {
	current := make(map[string]bool, len(recs))
	for _, rec := range recs {
		rec.Master = master
		if err := d.PublishNode(ctx, rec); err != nil {
			return err
		}
		current[rec.ID] = true
	}

	existing, err := d.Nodes(ctx)
	if err != nil {
		return err
	}
	for _, rec := range existing {
		if rec.Master == master && !current[rec.ID] {
			if err := d.RemoveNode(ctx, rec.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close releases the Redis client.
func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
