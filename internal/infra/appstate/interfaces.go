package appstate

import (
	"context"

	"github.com/skillcoder/sideloaderd/internal/infra/pinger"
	"github.com/skillcoder/sideloaderd/internal/infra/shutdown"
)

type pingerStatsGetter interface {
	GetAllStats() map[string]*pinger.Statistics
}

// pingerServer is an internal interface for pinger management
type pingerServer interface {
	Start(ctx context.Context) error
	Ready() <-chan struct{}
	shutdown.Shutdowner
	Register(pinger pinger.Pinger) error
	pingerStatsGetter
}
