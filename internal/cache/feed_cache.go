// Package cache holds the Redis-backed feed page cache. Only the first,
// cursorless feed page is cached; it is the page every client hits on load
// and the only one whose contents churn when a video turns ready.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const feedKey = "feed:v1:first"

// FeedCache caches the serialized first feed page with a short TTL.
type FeedCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewFeedCache wraps an existing Redis client.
func NewFeedCache(client *redis.Client, ttl time.Duration) *FeedCache {
	return &FeedCache{client: client, ttl: ttl}
}

// Get returns the cached page bytes, or (nil, nil) on a miss.
func (c *FeedCache) Get(ctx context.Context) ([]byte, error) {
	b, err := c.client.Get(ctx, feedKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Set stores the serialized page.
func (c *FeedCache) Set(ctx context.Context, page []byte) error {
	return c.client.Set(ctx, feedKey, page, c.ttl).Err()
}

// Invalidate drops the cached page; called when a video transitions to ready
// so the new item shows up without waiting out the TTL.
func (c *FeedCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, feedKey).Err()
}
