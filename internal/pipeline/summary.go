package pipeline

import (
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/queue"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/stats"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/trigger"
)

// Summary is the run report printed on exit and served on /health.
type Summary struct {
	State         string          `json:"state"`
	Stats         stats.Snapshot  `json:"stats"`
	Cadence       trigger.Cadence `json:"cadence"`
	Queue         queue.Stats     `json:"queue"`
	PoolSize      int             `json:"pool_size"`
	PoolInFlight  int             `json:"pool_in_flight"`
	PoolHighWater int             `json:"pool_high_water"`
}

// Summary collects a point-in-time report; safe from any goroutine.
func (c *Controller) Summary() Summary {
	s := Summary{
		State:         c.State().String(),
		Stats:         c.deps.Stats.Snapshot(),
		Queue:         c.deps.Queue.Stats(),
		PoolSize:      c.deps.Pool.Size(),
		PoolInFlight:  c.deps.Pool.InFlight(),
		PoolHighWater: c.deps.Pool.HighWater(),
	}
	if c.deps.Cadence != nil {
		s.Cadence = c.deps.Cadence.Cadence()
	}
	return s
}
