package rpc

import (
	"github.com/google/uuid"

	"github.com/HyphaGroup/agentwire/internal/wire"
)

// DefaultIDPrefix prefixes correlation ids minted by this side. Agents number
// their own requests, so a textual prefix keeps both directions disjoint.
const DefaultIDPrefix = "aw"

type idSource struct {
	prefix string
}

func (s idSource) next() wire.ID {
	return wire.ID(s.prefix + "-" + uuid.New().String())
}
