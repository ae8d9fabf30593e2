package bgtask

import (
	"time"

	"github.com/stleox/tracepipe/pkg/tracer"
)

// BgTaskManager manages background periodical tasks.
// Includes:
// - Report pipeline and sampler statistics
type BgTaskManager struct {
	bgTasks []BgTask
	manager *tracer.Manager
}

type BgTask interface {
	Start()
	Stop()
}

func NewBgTaskManager(manager *tracer.Manager, statsInterval time.Duration) *BgTaskManager {
	m := &BgTaskManager{
		bgTasks: make([]BgTask, 0),
		manager: manager,
	}
	m.addStatsTask(statsInterval)
	return m
}

func (m *BgTaskManager) StartAll() {
	for _, task := range m.bgTasks {
		task.Start()
	}
}

// StopAll stops every task and waits for running jobs to return.
func (m *BgTaskManager) StopAll() {
	for _, task := range m.bgTasks {
		task.Stop()
	}
}
