package registry

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lorawan-ns/macserver/pkg/lorawan"
)

// linkCacheTTL bounds how long a cached Link survives without a fresh
// write; the hot uplink path (spec §4.3 "quick access") renews it on every
// accepted frame, so an idle device simply falls back to the backing store.
const linkCacheTTL = 24 * time.Hour

const linkCacheKeyTmpl = "link:%s"

// CachedStore decorates a backing Store with a Redis-resident cache of
// Link records on the quick-access path (GetLink/PutLink), the hottest
// reads in the core per spec §4.3. JoinTx and IncrementFCntDown run
// against the backing store, since those need the backing store's own
// transactional guarantee, not a cache's; on success they invalidate the
// affected cached Link.
type CachedStore struct {
	backing Store
	rdb     *redis.Client
}

// NewCachedStore wraps backing with a Redis cache using client.
func NewCachedStore(backing Store, client *redis.Client) *CachedStore {
	return &CachedStore{backing: backing, rdb: client}
}

func (c *CachedStore) GetGateway(ctx context.Context, mac lorawan.EUI64) (*Gateway, error) {
	return c.backing.GetGateway(ctx, mac)
}

func (c *CachedStore) TouchGateway(ctx context.Context, mac lorawan.EUI64, seenAt time.Time) error {
	return c.backing.TouchGateway(ctx, mac, seenAt)
}

func (c *CachedStore) UpdateGatewayStatus(ctx context.Context, mac lorawan.EUI64, lat, lon, altitude float64, seenAt time.Time) error {
	return c.backing.UpdateGatewayStatus(ctx, mac, lat, lon, altitude, seenAt)
}

func (c *CachedStore) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*Device, error) {
	return c.backing.GetDevice(ctx, devEUI)
}

func (c *CachedStore) GetLink(ctx context.Context, devAddr lorawan.DevAddr) (*Link, error) {
	key := fmt.Sprintf(linkCacheKeyTmpl, devAddr.String())
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var l Link
		if decErr := gob.NewDecoder(bytes.NewReader(raw)).Decode(&l); decErr == nil {
			return &l, nil
		}
	}

	l, err := c.backing.GetLink(ctx, devAddr)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, l)
	return l, nil
}

func (c *CachedStore) PutLink(ctx context.Context, link *Link) error {
	if err := c.backing.PutLink(ctx, link); err != nil {
		return err
	}
	c.store(ctx, fmt.Sprintf(linkCacheKeyTmpl, link.DevAddr.String()), link)
	return nil
}

func (c *CachedStore) store(ctx context.Context, key string, l *Link) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(l); err != nil {
		return
	}
	c.rdb.Set(ctx, key, buf.Bytes(), linkCacheTTL)
}

func (c *CachedStore) invalidate(ctx context.Context, devAddr lorawan.DevAddr) {
	c.rdb.Del(ctx, fmt.Sprintf(linkCacheKeyTmpl, devAddr.String()))
}

func (c *CachedStore) ListIgnoredLinks(ctx context.Context) ([]IgnoredLink, error) {
	return c.backing.ListIgnoredLinks(ctx)
}

func (c *CachedStore) GetPendingDownlink(ctx context.Context, devAddr lorawan.DevAddr) (*PendingDownlink, error) {
	return c.backing.GetPendingDownlink(ctx, devAddr)
}

func (c *CachedStore) PutPendingDownlink(ctx context.Context, pd *PendingDownlink) error {
	return c.backing.PutPendingDownlink(ctx, pd)
}

func (c *CachedStore) DeletePendingDownlink(ctx context.Context, devAddr lorawan.DevAddr) error {
	return c.backing.DeletePendingDownlink(ctx, devAddr)
}

func (c *CachedStore) AppendRxFrame(ctx context.Context, f *RxFrame) error {
	return c.backing.AppendRxFrame(ctx, f)
}

func (c *CachedStore) AppendEvent(ctx context.Context, e *Event) error {
	return c.backing.AppendEvent(ctx, e)
}

func (c *CachedStore) ListEvents(ctx context.Context, filter EventFilter, limit int) ([]Event, error) {
	return c.backing.ListEvents(ctx, filter, limit)
}

func (c *CachedStore) JoinTx(ctx context.Context, devEUI lorawan.EUI64, fn func(dev *Device, prevLink *Link, devAddrTaken func(lorawan.DevAddr) bool) (*Device, *Link, error)) (*Device, *Link, error) {
	dev, link, err := c.backing.JoinTx(ctx, devEUI, fn)
	if err == nil && link != nil {
		c.invalidate(ctx, link.DevAddr)
	}
	return dev, link, err
}

func (c *CachedStore) IncrementFCntDown(ctx context.Context, devAddr lorawan.DevAddr) (uint32, error) {
	fcnt, err := c.backing.IncrementFCntDown(ctx, devAddr)
	if err == nil {
		c.invalidate(ctx, devAddr)
	}
	return fcnt, err
}

func (c *CachedStore) Close() error {
	_ = c.rdb.Close()
	return c.backing.Close()
}
