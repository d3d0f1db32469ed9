// Package conflict decides processing order across pending operations and
// settles server-side conflicts when a mutation replays against state that
// changed since the client branched.
package conflict

import (
	"sort"

	"github.com/caregohq/carego-sync/internal/models"
)

// Group is the dispatch unit for one record: every queued operation
// targeting the same (model, record id), ordered create-first and then by
// enqueue time. Groups are independent of each other; operations inside a
// group must be sent sequentially.
type Group struct {
	Key string
	Ops []*models.SyncOperation
}

// typeRank forces a create ahead of anything else referencing the same
// record, regardless of timestamps skewed by the client clock.
func typeRank(t string) int {
	if t == models.OpCreate {
		return 0
	}
	return 1
}

// Order arranges operations into dispatch groups. Groups are sorted by
// (priority ascending, earliest createdAt ascending, key) so lower priority
// numbers flush earlier and ties preserve causal enqueue order.
func Order(ops []*models.SyncOperation) []*Group {
	byKey := make(map[string]*Group)
	var groups []*Group

	for _, op := range ops {
		key := op.GroupKey()
		g, ok := byKey[key]
		if !ok {
			g = &Group{Key: key}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.Ops = append(g.Ops, op)
	}

	for _, g := range groups {
		sort.Slice(g.Ops, func(i, j int) bool {
			a, b := g.Ops[i], g.Ops[j]
			if ra, rb := typeRank(a.Type), typeRank(b.Type); ra != rb {
				return ra < rb
			}
			if a.CreatedAt != b.CreatedAt {
				return a.CreatedAt < b.CreatedAt
			}
			return a.ID < b.ID
		})
	}

	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if pa, pb := groupPriority(a), groupPriority(b); pa != pb {
			return pa < pb
		}
		if ca, cb := groupCreatedAt(a), groupCreatedAt(b); ca != cb {
			return ca < cb
		}
		return a.Key < b.Key
	})

	return groups
}

func groupPriority(g *Group) int {
	min := g.Ops[0].Priority
	for _, op := range g.Ops[1:] {
		if op.Priority < min {
			min = op.Priority
		}
	}
	return min
}

func groupCreatedAt(g *Group) int64 {
	min := g.Ops[0].CreatedAt
	for _, op := range g.Ops[1:] {
		if op.CreatedAt < min {
			min = op.CreatedAt
		}
	}
	return min
}
