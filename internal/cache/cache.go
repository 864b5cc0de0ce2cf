package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a small keyed store whose entries share one expiry.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Delete(key K)
}

type lruCache[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// NewTTLCache returns an in-memory cache holding at most max entries, each
// living for ttl. A full cache evicts the least recently used entry.
func NewTTLCache[K comparable, V any](max int, ttl time.Duration) Cache[K, V] {
	if max <= 0 {
		max = 10000
	}
	return &lruCache[K, V]{lru: expirable.NewLRU[K, V](max, nil, ttl)}
}

func (c *lruCache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

func (c *lruCache[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

func (c *lruCache[K, V]) Delete(key K) {
	c.lru.Remove(key)
}
