// Package bgtask runs the collector's periodical housekeeping.
package bgtask

import (
	"context"
	"time"
)

// Pruner drops traces whose last fragment arrived more than retention ago.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int, error)
}

// BgTaskManager manages background periodical tasks.
// Includes:
// - Prune traces past retention
type BgTaskManager struct {
	bgTasks []BgTask
	pruner  Pruner
}

type BgTask interface {
	Start() error
	Stop()
}

func NewBgTaskManager(pruner Pruner) *BgTaskManager {
	m := &BgTaskManager{
		bgTasks: make([]BgTask, 0),
		pruner:  pruner,
	}
	m.addRetentionTask()
	return m
}

// StartAll starts every task. A task that fails to start is skipped.
func (m *BgTaskManager) StartAll() {
	for _, task := range m.bgTasks {
		_ = task.Start()
	}
}

func (m *BgTaskManager) StopAll() {
	for _, task := range m.bgTasks {
		task.Stop()
	}
}
