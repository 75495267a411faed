package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/cyble/internal/dongle"
	"github.com/chaz8081/cyble/internal/dongle/protocol"
)

// Store is the part of a go-redis client the cache needs.
type Store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// DescriptorEntry is a cached descriptor.
type DescriptorEntry struct {
	Handle uint16 `json:"handle"`
	UUID   string `json:"uuid"`
}

// CharacteristicEntry is a cached characteristic.
type CharacteristicEntry struct {
	Handle      uint16            `json:"handle"`
	ValueHandle uint16            `json:"value_handle"`
	Properties  uint8             `json:"properties"`
	UUID        string            `json:"uuid"`
	Descriptors []DescriptorEntry `json:"descriptors,omitempty"`
}

// ServiceEntry is a cached primary service.
type ServiceEntry struct {
	Start           uint16                `json:"start"`
	End             uint16                `json:"end"`
	UUID            string                `json:"uuid"`
	Characteristics []CharacteristicEntry `json:"characteristics,omitempty"`
}

// AttributeTable is the discovered GATT layout of one peripheral.
type AttributeTable struct {
	Address    string         `json:"address"`
	Discovered time.Time      `json:"discovered"`
	Services   []ServiceEntry `json:"services"`
}

// Find returns the value handle of the characteristic with the given
// UUID.
func (t AttributeTable) Find(uuid bluetooth.UUID) (uint16, bool) {
	for _, svc := range t.Services {
		for _, c := range svc.Characteristics {
			if strings.EqualFold(c.UUID, uuid.String()) {
				return c.ValueHandle, true
			}
		}
	}
	return 0, false
}

// AttributeCache keeps attribute tables in Redis, keyed by peer address.
type AttributeCache struct {
	store  Store
	ttl    time.Duration
	prefix string
}

// NewAttributeCache stores tables in store for ttl.
func NewAttributeCache(store Store, ttl time.Duration) *AttributeCache {
	return &AttributeCache{store: store, ttl: ttl, prefix: "cyble:gatt:"}
}

// DialRedis connects to the Redis server at addr and checks it answers.
func DialRedis(ctx context.Context, addr string, ttl time.Duration) (*AttributeCache, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("bridge: redis %s: %w", addr, err)
	}
	slog.Info("[BRIDGE] redis connected", "addr", addr)
	return NewAttributeCache(rdb, ttl), rdb, nil
}

func (c *AttributeCache) key(addr bluetooth.MAC) string {
	return c.prefix + addr.String()
}

// Store saves the table of addr.
func (c *AttributeCache) Store(ctx context.Context, addr bluetooth.MAC, t AttributeTable) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("bridge: encode table: %w", err)
	}
	if err := c.store.Set(ctx, c.key(addr), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("bridge: cache %s: %w", addr.String(), err)
	}
	return nil
}

// Load returns the cached table of addr. ok is false on a cache miss.
func (c *AttributeCache) Load(ctx context.Context, addr bluetooth.MAC) (t AttributeTable, ok bool, err error) {
	data, err := c.store.Get(ctx, c.key(addr)).Bytes()
	if errors.Is(err, redis.Nil) {
		return AttributeTable{}, false, nil
	}
	if err != nil {
		return AttributeTable{}, false, fmt.Errorf("bridge: cache %s: %w", addr.String(), err)
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return AttributeTable{}, false, fmt.Errorf("bridge: decode table: %w", err)
	}
	return t, true, nil
}

// Forget drops the cached table of addr.
func (c *AttributeCache) Forget(ctx context.Context, addr bluetooth.MAC) error {
	if err := c.store.Del(ctx, c.key(addr)).Err(); err != nil {
		return fmt.Errorf("bridge: cache %s: %w", addr.String(), err)
	}
	return nil
}

// Discoverer is the GATT discovery a table walk needs. *dongle.Client
// satisfies it.
type Discoverer interface {
	PrimaryServices(ctx context.Context) ([]protocol.Service, error)
	Characteristics(ctx context.Context, svc protocol.Service, uuid bluetooth.UUID) ([]protocol.Characteristic, error)
	Descriptors(ctx context.Context, attr uint16) ([]protocol.Descriptor, error)
}

// Discover walks the services of the connected peer. The CCCD handle of
// notifying and indicating characteristics is looked up after its value.
func Discover(ctx context.Context, d Discoverer, addr bluetooth.MAC) (AttributeTable, error) {
	t := AttributeTable{Address: addr.String(), Discovered: time.Now().UTC()}

	services, err := d.PrimaryServices(ctx)
	if err != nil {
		return t, err
	}
	for _, svc := range services {
		entry := ServiceEntry{Start: svc.Start, End: svc.End, UUID: svc.UUID.String()}

		chars, err := d.Characteristics(ctx, svc, bluetooth.UUID{})
		if errors.Is(err, dongle.ErrNotFound) {
			t.Services = append(t.Services, entry)
			continue
		}
		if err != nil {
			return t, err
		}
		for _, ch := range chars {
			ce := CharacteristicEntry{
				Handle:      ch.Handle,
				ValueHandle: ch.ValueHandle,
				Properties:  uint8(ch.Properties),
				UUID:        ch.UUID.String(),
			}
			if ch.Properties&(protocol.PropNotify|protocol.PropIndicate) != 0 && ch.ValueHandle < svc.End {
				descs, err := d.Descriptors(ctx, ch.ValueHandle+1)
				if err != nil && !errors.Is(err, dongle.ErrNotFound) {
					return t, err
				}
				for _, desc := range descs {
					ce.Descriptors = append(ce.Descriptors, DescriptorEntry{Handle: desc.Handle, UUID: desc.UUID.String()})
				}
			}
			entry.Characteristics = append(entry.Characteristics, ce)
		}
		t.Services = append(t.Services, entry)
	}
	return t, nil
}

// Cached returns the table of addr from the cache, discovering and storing
// it on a miss. A nil cache always discovers.
func Cached(ctx context.Context, c *AttributeCache, d Discoverer, addr bluetooth.MAC) (AttributeTable, error) {
	if c != nil {
		t, ok, err := c.Load(ctx, addr)
		if err != nil {
			slog.Warn("[BRIDGE] cache read failed", "error", err)
		} else if ok {
			slog.Debug("[BRIDGE] attribute table from cache", "peer", addr.String())
			return t, nil
		}
	}

	t, err := Discover(ctx, d, addr)
	if err != nil {
		return t, err
	}
	if c != nil {
		if err := c.Store(ctx, addr, t); err != nil {
			slog.Warn("[BRIDGE] cache write failed", "error", err)
		}
	}
	return t, nil
}
