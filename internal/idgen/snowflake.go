// Package idgen issues time-ordered 64-bit identifiers.
package idgen

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node with the given node ID.
// Only the first call has an effect.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a new unique int64 ID. IDs are time-ordered and unique across
// instances configured with distinct node IDs.
func New() int64 {
	_ = Init(0) // no-op once a node is configured
	return node.Generate().Int64()
}
