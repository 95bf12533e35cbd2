package job

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator produces time-ordered job IDs that are unique across workers
// configured with distinct node numbers.
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator creates a generator for the given node (0-1023).
func NewIDGenerator(nodeID int64) (*IDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("creating snowflake node: %w", err)
	}
	return &IDGenerator{node: node}, nil
}

// Next returns a new job ID.
func (g *IDGenerator) Next() string {
	return g.node.Generate().String()
}
