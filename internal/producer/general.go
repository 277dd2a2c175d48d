package producer

import (
	"context"
	"time"

	"stakebot/internal/notification"
	"stakebot/internal/subgraph"
)

func NewGeneral(s Settings, sg Subgraph, opts Options) Producer {
	notice := s.EraNotice
	if notice <= 0 {
		notice = DefaultEraNotice
	}
	fetch := func(ctx context.Context) (subgraph.Era, error) {
		return sg.LatestEra(ctx)
	}
	checks := []Check[subgraph.Era]{
		{Key: notification.KeyNewEra, Evaluate: func(era subgraph.Era, now time.Time) *notification.Item {
			if era.StartTime.IsZero() || now.Sub(era.StartTime) > notice || era.StartTime.After(now) {
				return nil
			}
			return &notification.Item{
				Level:          notification.LevelInfo,
				Title:          "New era",
				Content:        notification.Era{Number: era.Number, StartedAt: era.StartTime},
				CanBeDismissed: true,
			}
		}},
	}
	return NewBase("general", fetch, checks, opts)
}
