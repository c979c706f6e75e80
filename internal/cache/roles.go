package cache

import (
	"fmt"
	"time"

	"loom/internal/models"

	gocache "github.com/patrickmn/go-cache"
)

// RoleCache remembers a user's active role in a conversation for a short TTL.
// Absent membership is cached too, as an empty role.
type RoleCache struct {
	c *gocache.Cache
}

// NewRoleCache creates a cache whose entries expire after ttl.
func NewRoleCache(ttl time.Duration) *RoleCache {
	return &RoleCache{c: gocache.New(ttl, 2*ttl)}
}

func roleKey(conversationID, userID uint) string {
	return fmt.Sprintf("%d:%d", conversationID, userID)
}

// Get returns the cached role and whether an entry was present.
func (r *RoleCache) Get(conversationID, userID uint) (models.Role, bool) {
	v, ok := r.c.Get(roleKey(conversationID, userID))
	if !ok {
		return "", false
	}
	return v.(models.Role), true
}

// Set stores role (empty for "not a participant").
func (r *RoleCache) Set(conversationID, userID uint, role models.Role) {
	r.c.SetDefault(roleKey(conversationID, userID), role)
}

// Invalidate drops the entry after a membership change.
func (r *RoleCache) Invalidate(conversationID, userID uint) {
	r.c.Delete(roleKey(conversationID, userID))
}
