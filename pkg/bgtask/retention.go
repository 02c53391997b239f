package bgtask

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/stleox/spanflow/pkg/config"
)

const pruneTimeout = 30 * time.Second

type RetentionTask struct {
	m         *BgTaskManager
	schedule  string
	retention time.Duration

	muRun sync.Mutex
	cron  *cron.Cron
}

func (m *BgTaskManager) addRetentionTask() {
	m.bgTasks = append(m.bgTasks, &RetentionTask{
		m:         m,
		schedule:  config.PruneSchedule,
		retention: config.Retention,
	})
}

// Run 清理一次，上一次未结束时跳过
func (t *RetentionTask) Run() {
	if !t.muRun.TryLock() {
		logrus.Debug("SpanFlow skipped pruning, the previous run is still going")
		return
	}
	defer t.muRun.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()
	n, err := t.m.pruner.Prune(ctx, t.retention)
	if err != nil {
		logrus.WithError(err).Error("SpanFlow couldn't prune expired traces")
		return
	}
	if n > 0 {
		logrus.Infof("SpanFlow pruned %d traces older than %s", n, t.retention)
	}
}

func (t *RetentionTask) Start() error {
	c := cron.New()
	if _, err := c.AddJob(t.schedule, t); err != nil {
		logrus.WithError(err).Warnf("SpanFlow couldn't add retention task with schedule %q", t.schedule)
		return err
	}
	c.Start()
	t.cron = c
	return nil
}

// Stop waits for a running prune to finish.
func (t *RetentionTask) Stop() {
	if t.cron == nil {
		return
	}
	<-t.cron.Stop().Done()
	t.cron = nil
}
