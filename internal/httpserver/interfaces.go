package httpserver

import (
	"time"

	"github.com/skillcoder/sideloaderd/internal/infra/appstate"
	"github.com/skillcoder/sideloaderd/internal/infra/pinger"
	"github.com/skillcoder/sideloaderd/internal/logic/sideloader"
)

// appstater is an internal interface for application state management
type appstater interface {
	GetState() appstate.State
	IsHealthy() bool
	IsReady() bool
	GetUptime() time.Duration
	GetStartTime() time.Time
	GetAllStats() map[string]*pinger.Statistics
}

// statusProvider exposes the most recent arbitration snapshot.
type statusProvider interface {
	Status() *sideloader.Status
}
