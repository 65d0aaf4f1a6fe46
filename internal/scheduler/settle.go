package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"AgentCompany/internal/task"
	"AgentCompany/pkg/logger"
)

// Settle 结算本次运行中等待子任务的父任务：子任务全部完成时父任务经 review 进入
// done；有子任务失败时先尝试恢复，无法恢复则父任务失败。结算可能逐级向上传递，
// 因此重复进行直到没有变化。
func (s *Scheduler) Settle(ctx context.Context, goalRunID string) error {
	for {
		changed, err := s.settleOnce(ctx, goalRunID)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
	}
}

func (s *Scheduler) settleOnce(ctx context.Context, goalRunID string) (bool, error) {
	tasks, err := s.tasks.RunTasks(ctx, goalRunID)
	if err != nil {
		return false, err
	}
	changed := false
	for _, t := range tasks {
		if t.Status != task.StatusInProgress {
			continue
		}
		rollup, err := s.tasks.Rollup(ctx, t.ID)
		if err != nil {
			return changed, err
		}
		switch rollup.Status {
		case task.RollupDone:
			if s.complete(ctx, t) {
				changed = true
			}
		case task.RollupFailed:
			if s.recoverOrFail(ctx, t, rollup.FailedChildren) {
				changed = true
			}
		}
	}
	return changed, nil
}

func (s *Scheduler) complete(ctx context.Context, parent *task.Task) bool {
	log := s.log.With(slog.String(logger.KeyGoalRun, parent.GoalRunID), slog.String(logger.KeyTask, parent.ID))
	result := parent.PendingResult
	if result == "" {
		result = "all sub-tasks completed"
	}
	if _, err := s.tasks.Transition(ctx, parent.ID, task.StatusReview, task.WithResult(result), task.ClearingPendingResult()); err != nil {
		log.Error("父任务进入评审失败", slog.Any("error", err))
		return false
	}
	if _, err := s.tasks.Transition(ctx, parent.ID, task.StatusDone); err != nil {
		log.Error("父任务完成失败", slog.Any("error", err))
		return false
	}
	log.Info("子任务全部完成，父任务已完成")
	return true
}

func (s *Scheduler) recoverOrFail(ctx context.Context, parent *task.Task, failedIDs []string) bool {
	log := s.log.With(slog.String(logger.KeyGoalRun, parent.GoalRunID), slog.String(logger.KeyTask, parent.ID))
	var unrecovered []*task.Task
	recovered := false
	for _, id := range failedIDs {
		child, err := s.tasks.Get(ctx, id)
		if err != nil {
			log.Error("读取失败子任务出错", slog.String("child_id", id), slog.Any("error", err))
			continue
		}
		if s.recoverer != nil {
			replacement, err := s.recoverer.Recover(ctx, parent, child)
			if err != nil {
				log.Warn("恢复子任务失败", slog.String("child_id", id), slog.Any("error", err))
			}
			if replacement != nil {
				recovered = true
				continue
			}
		}
		unrecovered = append(unrecovered, child)
	}
	if len(unrecovered) == 0 {
		return recovered
	}

	reasons := make([]string, 0, len(unrecovered))
	for _, c := range unrecovered {
		reasons = append(reasons, fmt.Sprintf("%s: %s", c.ID, task.Truncate(c.FailureReason, 120)))
	}
	reason := "child task failed (" + strings.Join(reasons, "; ") + ")"
	if _, err := s.tasks.Transition(ctx, parent.ID, task.StatusFailed,
		task.WithFailure(CodeChildFailed, reason), task.ClearingPendingResult()); err != nil {
		log.Error("标记父任务失败出错", slog.Any("error", err))
		return recovered
	}
	log.Warn("子任务失败且未恢复，父任务失败", slog.Int("failed_children", len(unrecovered)))
	return true
}
