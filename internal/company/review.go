package company

import (
	"context"
	"fmt"
	"strings"

	"AgentCompany/internal/agent"
	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/planner"
	"AgentCompany/internal/task"
)

// supervisorReviewer 请任务角色的直接上级验收结果，上级没有智能体时由协调者验收。
type supervisorReviewer struct {
	directory *agent.Directory
	completer planner.Completer
}

func (r *supervisorReviewer) supervisor(t *task.Task) (agent.Agent, bool) {
	graph := r.directory.Graph()
	if rl, ok := graph.Get(t.Role); ok && rl.ReportsTo != "" {
		if boss, ok := r.directory.ForRole(rl.ReportsTo); ok {
			return boss, true
		}
	}
	return r.directory.Coordinator()
}

// Review 实现 scheduler.Reviewer。
func (r *supervisorReviewer) Review(ctx context.Context, t *task.Task) (bool, string, error) {
	boss, ok := r.supervisor(t)
	if !ok {
		return true, "", nil
	}
	prompt := fmt.Sprintf("Review the result of task %s.\n\nTASK: %s\n\nRESULT:\n%s\n\n"+
		"Reply with ACCEPT if the result completes the task, or REWORK: <what must change>.",
		t.ID, t.Description, task.Truncate(t.Result, 2000))
	reply, err := r.completer.Complete(ctx, agent.CompleteRequest{Agent: boss, Prompt: prompt})
	if err != nil {
		return false, "", err
	}
	return parseVerdict(reply)
}

func parseVerdict(reply string) (bool, string, error) {
	text := strings.TrimSpace(reply)
	upper := strings.ToUpper(text)
	switch {
	case strings.HasPrefix(upper, "ACCEPT"):
		return true, "", nil
	case strings.HasPrefix(upper, "REWORK"):
		feedback := strings.TrimSpace(strings.TrimLeft(text[len("REWORK"):], ":- "))
		return false, feedback, nil
	default:
		return false, "", xerrors.New(xerrors.CodeInvalidArgument, "无法识别的验收结论: "+task.Truncate(text, 80))
	}
}
