package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Hash fields of the Redis document. Each top-level document key is its own
// field so other tools can read one part without decoding the rest.
const (
	fieldSchemaVersion    = "schemaVersion"
	fieldRevision         = "revision"
	fieldGroups           = "hostsGroups"
	fieldActiveGroups     = "activeGroups"
	fieldProxy            = "socketProxy"
	fieldShowAddGroupForm = "showAddGroupForm"
)

// RedisBackend stores the document in a Redis hash and guards writes with
// WATCH on the key.
type RedisBackend struct {
	client redis.UniversalClient
	key    string
	owned  bool
}

// NewRedisBackend wraps an existing client. Close leaves the client open.
func NewRedisBackend(client redis.UniversalClient, key string) *RedisBackend {
	return &RedisBackend{client: client, key: key}
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int, key string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisBackend{client: client, key: key, owned: true}, nil
}

// Load reads all hash fields. A missing key is an empty store.
func (b *RedisBackend) Load(ctx context.Context) (*Document, error) {
	fields, err := b.client.HGetAll(ctx, b.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read store from redis: %w", err)
	}
	if len(fields) == 0 {
		return NewDocument(), nil
	}
	return decodeFields(fields)
}

// Save writes doc inside a WATCH/MULTI transaction.
func (b *RedisBackend) Save(ctx context.Context, doc *Document, expected uint64) error {
	fields, err := encodeFields(doc)
	if err != nil {
		return err
	}

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, b.key, fieldRevision).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != expected {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, b.key, fields)
			return nil
		})
		return err
	}

	err = b.client.Watch(ctx, txf, b.key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	default:
		return fmt.Errorf("failed to write store to redis: %w", err)
	}
}

// Touch stamps a sibling key with the current time.
func (b *RedisBackend) Touch(ctx context.Context) error {
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := b.client.Set(ctx, b.key+":wake", stamp, time.Minute).Err(); err != nil {
		return fmt.Errorf("failed to touch store: %w", err)
	}
	return nil
}

// Close closes the client if DialRedis created it.
func (b *RedisBackend) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}

func encodeFields(doc *Document) (map[string]interface{}, error) {
	fields := map[string]interface{}{
		fieldSchemaVersion:    strconv.Itoa(doc.SchemaVersion),
		fieldRevision:         strconv.FormatUint(doc.Revision, 10),
		fieldShowAddGroupForm: strconv.FormatBool(doc.ShowAddGroupForm),
	}
	for name, v := range map[string]interface{}{
		fieldGroups:       doc.Groups,
		fieldActiveGroups: doc.ActiveGroups,
		fieldProxy:        doc.Proxy,
	} {
		data, err := yaml.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", name, err)
		}
		fields[name] = string(data)
	}
	return fields, nil
}

func decodeFields(fields map[string]string) (*Document, error) {
	doc := &Document{Proxy: DefaultProxyConfig()}

	if v, ok := fields[fieldSchemaVersion]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", fieldSchemaVersion, err)
		}
		doc.SchemaVersion = n
	}
	if v, ok := fields[fieldRevision]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", fieldRevision, err)
		}
		doc.Revision = n
	}
	if v, ok := fields[fieldShowAddGroupForm]; ok {
		doc.ShowAddGroupForm, _ = strconv.ParseBool(v)
	}

	for name, dst := range map[string]interface{}{
		fieldGroups:       &doc.Groups,
		fieldActiveGroups: &doc.ActiveGroups,
		fieldProxy:        &doc.Proxy,
	} {
		v, ok := fields[name]
		if !ok {
			continue
		}
		if err := yaml.Unmarshal([]byte(v), dst); err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", name, err)
		}
	}
	return doc, nil
}
