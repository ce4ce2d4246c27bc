// Package directory holds a user's agent directory and the durable stores it
// is written through to.
//
// A directory is a single record per user, keyed by agentId. The relay loads
// it on cold start and saves the whole record after every mutation; there is
// no partial update.
package directory

import (
	"context"
	"slices"
	"strings"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/protocol"
)

// Directory maps agentId to its entry.
type Directory map[string]protocol.AgentInfo

// Store persists one Directory per user. Load of an unknown user returns an
// empty, non-nil Directory.
type Store interface {
	Load(ctx context.Context, userID string) (Directory, error)
	Save(ctx context.Context, userID string, dir Directory) error
}

func (d Directory) Clone() Directory {
	out := make(Directory, len(d))
	for id, info := range d {
		info.Capabilities = slices.Clone(info.Capabilities)
		out[id] = info
	}
	return out
}

// Snapshot returns the entries ordered by registration time, then agentId.
func (d Directory) Snapshot() []protocol.AgentInfo {
	out := make([]protocol.AgentInfo, 0, len(d))
	for _, info := range d {
		info.Capabilities = slices.Clone(info.Capabilities)
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b protocol.AgentInfo) int {
		if c := a.RegisteredAt.Compare(b.RegisteredAt); c != 0 {
			return c
		}
		return strings.Compare(a.AgentID, b.AgentID)
	})
	return out
}
