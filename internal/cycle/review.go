package cycle

import (
	"fmt"
	"regexp"
	"strings"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/task"
)

var (
	// 行首的决定词，允许前面有 markdown 标记，忽略大小写。
	leadingDecision = regexp.MustCompile("(?im)^[\\s*_#>`]*(done|continue|failed)\\b")
	anyDecision     = regexp.MustCompile(`\b(DONE|CONTINUE|FAILED)\b`)
)

// ParseDecision 解析评审回复。优先取第一个以 DONE、CONTINUE 或 FAILED 开头的行
// （通常就是首行），其次才在全文中查找大写的决定词。决定词之后的文本作为理由，
// 都找不到时返回 INVALID_REVIEW。
func ParseDecision(reply string) (Decision, string, error) {
	text := strings.TrimSpace(reply)
	var start, end int
	if m := leadingDecision.FindStringSubmatchIndex(text); m != nil {
		start, end = m[2], m[3]
	} else if loc := anyDecision.FindStringIndex(text); loc != nil {
		start, end = loc[0], loc[1]
	} else {
		return "", "", xerrors.New(xerrors.CodeInvalidReview,
			fmt.Sprintf("评审回复不是 DONE/CONTINUE/FAILED: %q", task.Truncate(text, 200)))
	}
	decision := Decision(strings.ToUpper(text[start:end]))
	reason := strings.TrimLeft(text[end:], "*:.- \t\n")
	return decision, strings.TrimSpace(reason), nil
}

func reviewPrompt(goal, summary string, cycle, maxCycles int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GOAL: %s\n\n", goal)
	fmt.Fprintf(&b, "This is the end of cycle %d of at most %d. Task outcomes so far:\n%s\n", cycle, maxCycles, summary)
	b.WriteString(`Decide whether the goal is achieved.
Reply with exactly one word on the first line: DONE (goal achieved), CONTINUE (plan another cycle of work) or FAILED (the goal cannot be achieved).
Then explain briefly.`)
	return b.String()
}
