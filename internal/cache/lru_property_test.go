//go:build property
// +build property

package cache

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestLRUProperties checks capacity and latest-value behaviour over random
// operation sequences.
func TestLRUProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// Property: the cache never holds more than its capacity
	properties.Property("bounded by capacity", prop.ForAll(
		func(capacity int, keys []int) bool {
			c := NewLRU(capacity)
			for _, k := range keys {
				c.Put(fmt.Sprintf("k%d", k), "v")
				if c.Len() > capacity {
					return false
				}
			}
			return len(c.Keys()) == c.Len()
		},
		gen.IntRange(1, 16),
		gen.SliceOf(gen.IntRange(0, 40)),
	))

	// Property: after two puts with the same key, Get returns the latest value
	properties.Property("latest put wins", prop.ForAll(
		func(capacity int, first, second string) bool {
			c := NewLRU(capacity)
			c.Put("key", first)
			c.Put("key", second)
			v, ok := c.Get("key")
			return ok && v == second && c.Len() == 1
		},
		gen.IntRange(1, 16),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	// Property: the most recently written key is always present
	properties.Property("most recent survives", prop.ForAll(
		func(capacity int, keys []int) bool {
			if len(keys) == 0 {
				return true
			}
			c := NewLRU(capacity)
			for _, k := range keys {
				c.Put(fmt.Sprintf("k%d", k), "v")
			}
			last := fmt.Sprintf("k%d", keys[len(keys)-1])
			_, ok := c.Get(last)
			return ok && c.Keys()[0] == last
		},
		gen.IntRange(1, 16),
		gen.SliceOf(gen.IntRange(0, 40)),
	))

	properties.TestingRun(t)
}
