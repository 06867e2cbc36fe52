package role

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// CachedResolver memoizes custom role lookups. Concurrent misses for the same
// key share one call to the wrapped resolver. Not-found results are not cached.
type CachedResolver struct {
	next  CustomRoleResolver
	cache *lru.LRU[string, Role]
	group singleflight.Group
}

// NewCachedResolver wraps next with an LRU of the given size whose entries
// expire after ttl.
func NewCachedResolver(next CustomRoleResolver, size int, ttl time.Duration) *CachedResolver {
	if size <= 0 {
		size = 1024
	}
	return &CachedResolver{
		next:  next,
		cache: lru.NewLRU[string, Role](size, nil, ttl),
	}
}

func (c *CachedResolver) ResolveDeploymentRole(ctx context.Context, deploymentID, roleID string) (Role, error) {
	return c.resolve(cacheKey(ResourceDeployment, deploymentID, roleID), func() (Role, error) {
		return c.next.ResolveDeploymentRole(ctx, deploymentID, roleID)
	})
}

func (c *CachedResolver) ResolveOrganizationRole(ctx context.Context, organizationID, roleID string) (Role, error) {
	return c.resolve(cacheKey(ResourceOrganization, organizationID, roleID), func() (Role, error) {
		return c.next.ResolveOrganizationRole(ctx, organizationID, roleID)
	})
}

// Invalidate drops every cached role of the given resource. Call it after a
// deployment or organization changes its custom roles.
func (c *CachedResolver) Invalidate(t ResourceType, resourceID string) {
	prefix := FormatResource(t, resourceID) + "#"
	for _, k := range c.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.cache.Remove(k)
		}
	}
}

// Len returns the number of cached entries.
func (c *CachedResolver) Len() int {
	return c.cache.Len()
}

func (c *CachedResolver) resolve(key string, load func() (Role, error)) (Role, error) {
	if r, ok := c.cache.Get(key); ok {
		return r, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		r, err := load()
		if err != nil {
			return Role{}, err
		}
		c.cache.Add(key, r)
		return r, nil
	})
	if err != nil {
		return Role{}, err
	}
	return v.(Role), nil
}

func cacheKey(t ResourceType, resourceID, roleID string) string {
	return FormatResource(t, resourceID) + "#" + roleID
}
