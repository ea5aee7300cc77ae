package oliver

import (
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ReplyCache memoizes (user, question) -> reply for a fixed TTL, so rapid
// identical questions don't burn a second model call. Keys are exact-match
// on the trimmed question text - no fuzzy matching. Entries are never
// persisted; the cache rebuilds through misses after a restart.
type ReplyCache struct {
	cache *gocache.Cache
}

// NewReplyCache creates a cache whose entries expire ttl after insertion.
func NewReplyCache(ttl time.Duration) *ReplyCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ReplyCache{
		cache: gocache.New(ttl, ttl),
	}
}

func (c *ReplyCache) key(userID string, question string) string {
	return fmt.Sprintf("%s:%s", userID, strings.TrimSpace(question))
}

// Get returns the cached reply for the user's question, if present and
// unexpired.
func (c *ReplyCache) Get(userID string, question string) (string, bool) {
	v, ok := c.cache.Get(c.key(userID, question))
	if !ok {
		return "", false
	}
	reply, ok := v.(string)
	return reply, ok
}

// Set stores the reply with the cache's fixed TTL starting now.
func (c *ReplyCache) Set(userID string, question string, reply string) {
	c.cache.Set(c.key(userID, question), reply, gocache.DefaultExpiration)
}
