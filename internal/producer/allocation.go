package producer

import (
	"context"
	"time"

	"stakebot/internal/notification"
	"stakebot/internal/subgraph"
)

const unstakeAllocationDismissTime = 24 * time.Hour

func NewAllocation(s Settings, sg Subgraph, opts Options) Producer {
	fetch := func(ctx context.Context) (subgraph.AllocationSnapshot, error) {
		return sg.Allocations(ctx, s.Account)
	}
	checks := []Check[subgraph.AllocationSnapshot]{
		{
			Key:         notification.KeyUnstakeAllocation,
			DismissTime: unstakeAllocationDismissTime,
			Evaluate: func(snap subgraph.AllocationSnapshot, _ time.Time) *notification.Item {
				serving := make(map[string]bool, len(snap.Serving))
				for _, id := range snap.Serving {
					serving[id] = true
				}
				var ids []string
				for _, a := range snap.Allocations {
					if a.Amount.Sign() > 0 && !serving[a.DeploymentID] {
						ids = append(ids, a.DeploymentID)
					}
				}
				if len(ids) == 0 {
					return nil
				}
				return &notification.Item{
					Level:          notification.LevelCritical,
					Title:          "Stake allocated to deployments you no longer serve",
					Content:        notification.Deployments{Summary: "Remove allocation from", IDs: ids},
					CanBeDismissed: true,
					Button:         notification.Button{Label: "Manage allocations", Href: "/indexer/my-projects"},
				}
			},
		},
		{
			Key: notification.KeyOutdatedAllocation,
			Evaluate: func(snap subgraph.AllocationSnapshot, _ time.Time) *notification.Item {
				var ids []string
				for _, a := range snap.Allocations {
					if a.Amount.Sign() > 0 && a.Outdated() {
						ids = append(ids, a.DeploymentID)
					}
				}
				if len(ids) == 0 {
					return nil
				}
				return &notification.Item{
					Level:          notification.LevelCritical,
					Title:          "Allocation on an outdated deployment",
					Content:        notification.Deployments{Summary: "Move allocation to the current deployment for", IDs: ids},
					CanBeDismissed: true,
					Button:         notification.Button{Label: "Manage allocations", Href: "/indexer/my-projects"},
				}
			},
		},
	}
	return NewBase("allocation", fetch, checks, opts)
}
