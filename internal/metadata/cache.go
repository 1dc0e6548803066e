package metadata

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize bounds each of the CachedInspector caches.
const DefaultCacheSize = 4096

// CachedInspector memoizes successful lookups of an underlying Catalog.
// Concurrent misses for the same question share one lookup.
type CachedInspector struct {
	inner   Catalog
	derives *lru.Cache[string, bool]
	labels  *lru.Cache[string, string]
	group   singleflight.Group
}

func NewCachedInspector(inner Catalog, size int) (*CachedInspector, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	derives, err := lru.New[string, bool](size)
	if err != nil {
		return nil, err
	}
	labels, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &CachedInspector{inner: inner, derives: derives, labels: labels}, nil
}

func (c *CachedInspector) DerivesFrom(ctx context.Context, derived, base string) (bool, error) {
	key := derived + "\x00" + base
	if v, ok := c.derives.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do("d:"+key, func() (any, error) {
		ok, err := c.inner.DerivesFrom(ctx, derived, base)
		if err != nil {
			return false, err
		}
		c.derives.Add(key, ok)
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *CachedInspector) ClassLabel(ctx context.Context, name string) (string, error) {
	if v, ok := c.labels.Get(name); ok {
		return v, nil
	}
	v, err, _ := c.group.Do("l:"+name, func() (any, error) {
		label, err := c.inner.ClassLabel(ctx, name)
		if err != nil {
			return "", err
		}
		c.labels.Add(name, label)
		return label, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *CachedInspector) DerivedClasses(ctx context.Context, base string) ([]string, error) {
	return c.inner.DerivedClasses(ctx, base)
}

func (c *CachedInspector) TableName(ctx context.Context, name string) (string, error) {
	return c.inner.TableName(ctx, name)
}
