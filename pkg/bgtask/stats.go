package bgtask

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/stleox/tracepipe/pkg/config"
	"github.com/stleox/tracepipe/pkg/pipeline"
)

// Report is one statistics sample of the tracing components.
type Report struct {
	pipeline.Stats

	Rate      int
	InFlight  int
	Abandoned int64

	// 距上次报告新增的丢弃数
	NewlyDropped int64
}

// StatsTask periodically logs pipeline counters. Queue overflow is only
// logged per span at debug level, so this is where drops surface at warn.
type StatsTask struct {
	m        *BgTaskManager
	interval time.Duration

	muLast sync.Mutex
	last   pipeline.Stats

	cron *cron.Cron
}

func (m *BgTaskManager) addStatsTask(interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultStatsInterval
	}
	m.bgTasks = append(m.bgTasks, &StatsTask{
		m:        m,
		interval: interval,
	})
}

func (t *StatsTask) Run() {
	rep, ok := t.report()
	if !ok {
		return
	}

	entry := logrus.WithField("enqueued", rep.Enqueued).
		WithField("processed", rep.Processed).
		WithField("failed", rep.Failed).
		WithField("dropped", rep.Dropped).
		WithField("queue", fmt.Sprintf("%d/%d", rep.QueueLength, rep.Capacity)).
		WithField("rate", rep.Rate).
		WithField("in_flight", rep.InFlight).
		WithField("abandoned", rep.Abandoned)
	if rep.NewlyDropped > 0 {
		entry.WithField("newly_dropped", rep.NewlyDropped).Warn("TracePipe dropped spans, span queue is full")
		return
	}
	entry.Info("TracePipe stats")
}

// report 读取当前统计并更新基线
func (t *StatsTask) report() (Report, bool) {
	p := t.m.manager.Pipeline()
	if p == nil {
		return Report{}, false
	}
	stats := p.Stats()

	t.muLast.Lock()
	newly := stats.Dropped - t.last.Dropped
	t.last = stats
	t.muLast.Unlock()

	rep := Report{
		Stats:        stats,
		NewlyDropped: newly,
	}
	if s := t.m.manager.Sampler(); s != nil {
		rep.Rate = s.Rate()
	}
	if tr := t.m.manager.Tracer(); tr != nil {
		rep.InFlight = tr.InFlight()
		rep.Abandoned = tr.Abandoned()
	}
	return rep, true
}

func (t *StatsTask) Start() {
	c := cron.New()
	_, err := c.AddJob(fmt.Sprintf("@every %s", t.interval), t)
	if err != nil {
		logrus.WithError(err).Warn("TracePipe couldn't add stats task")
		return
	}
	c.Start()
	t.cron = c
}

func (t *StatsTask) Stop() {
	if t.cron == nil {
		return
	}
	<-t.cron.Stop().Done()
	t.cron = nil
}
