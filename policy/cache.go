package policy

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/twitter/gridsched/common/stats"
)

const DefaultCacheSize = 256

// Cache remembers parsed descriptors by document so that many jobs carrying
// the same policy parse it once. Every Get builds a fresh tree: trees hold
// the context of the job they were attached to and are never shared.
type Cache struct {
	descriptors *lru.Cache
	builder     *Builder
	stat        stats.StatsReceiver
}

func NewCache(size int, builder *Builder, stat stats.StatsReceiver) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if builder == nil {
		builder = NewBuilder(nil)
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "creating policy cache")
	}
	return &Cache{descriptors: c, builder: builder, stat: stat}, nil
}

// Get builds the policy for doc. An empty document yields a nil policy,
// which accepts every node.
func (c *Cache) Get(doc string) (Policy, error) {
	if strings.TrimSpace(doc) == "" {
		return nil, nil
	}
	key := digest(doc)
	if d, ok := c.descriptors.Get(key); ok {
		c.stat.Counter(stats.PolicyCacheHitCounter).Inc(1)
		return c.builder.Build(d.(*Descriptor))
	}
	c.stat.Counter(stats.PolicyCacheMissCounter).Inc(1)
	d, err := ParseDescriptor(strings.NewReader(doc))
	if err != nil {
		return nil, err
	}
	p, err := c.builder.Build(d)
	if err != nil {
		return nil, err
	}
	c.descriptors.Add(key, d)
	return p, nil
}

func (c *Cache) Len() int {
	return c.descriptors.Len()
}

func digest(doc string) string {
	sum := sha1.Sum([]byte(doc))
	return hex.EncodeToString(sum[:])
}
