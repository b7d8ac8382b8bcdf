// Package shard identifies one partition of a sharded run and the roles
// attached to it. The owner shard (index 0) performs one-time setup of
// shared resources; the last shard (index N-1) performs one-time teardown.
// With a single shard both roles collapse onto the same process.
package shard

import "fmt"

// Info identifies a shard by its index and the total number of shards.
type Info struct {
	Index int
	Total int
}

// New creates shard Info, validating index and total. A non-sharded run is
// represented as index 0 of 1.
func New(index, total int) (Info, error) {
	if total < 1 {
		return Info{}, fmt.Errorf("shard total must be at least 1, got %d", total)
	}
	if index < 0 || index >= total {
		return Info{}, fmt.Errorf("shard index %d out of range [0, %d)", index, total)
	}
	return Info{Index: index, Total: total}, nil
}

// Owner reports whether this shard performs the one-time shared setup
// (identity provisioning, credential persist and replication).
func (i Info) Owner() bool { return i.Index == 0 }

// Last reports whether this shard performs the one-time destructive teardown
// (metrics merge and identity deletion).
func (i Info) Last() bool { return i.Index == i.Total-1 }

// Single reports whether the run is not sharded at all.
func (i Info) Single() bool { return i.Total == 1 }

func (i Info) String() string {
	return fmt.Sprintf("shard %d/%d", i.Index, i.Total)
}
