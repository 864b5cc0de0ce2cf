package cache

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpires(t *testing.T) {
	c := NewTTLCache[string, int](10, 20*time.Millisecond)

	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	assert.Eventually(t, func() bool {
		_, ok := c.Get("a")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestTTLCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewTTLCache[string, int](2, time.Hour)

	c.Set("a", 1)
	c.Set("b", 2)
	_, _ = c.Get("a")
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "least recently used entry makes room")
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = c.Get("c")
	assert.True(t, ok, "new entries are never dropped")
	assert.Equal(t, 3, v)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestOrgLookupCacheKeepsKindsApart(t *testing.T) {
	c := NewOrgLookupCache()
	c.SetInvoiceOrg(snowflake.ID(1), snowflake.ID(100))

	org, ok := c.GetInvoiceOrg(snowflake.ID(1))
	assert.True(t, ok)
	assert.Equal(t, snowflake.ID(100), org)
	_, ok = c.GetCustomerOrg(snowflake.ID(1))
	assert.False(t, ok)
}
