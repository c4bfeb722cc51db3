// Package quality implements the snapshot quality validator: a table
// of weighted checks producing a score in [0,1] and a pass/fail verdict.
package quality

import (
	"github.com/command-post/engine/internal/snapshot"
)

// Severity levels a Check may carry.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Check is one executed rule's outcome.
type Check struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Weight   int    `json:"weight"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message,omitempty"`
}

// Result is the validator's verdict for one snapshot.
type Result struct {
	Valid        bool    `json:"valid"`
	Score        float64 `json:"score"`
	Findings     []Check `json:"findings"`
	PassedChecks int     `json:"passedChecks"`
	TotalChecks  int     `json:"totalChecks"`
}

// TaskContext supplies the optional cross-reference a snapshot's
// files_state is checked against.
type TaskContext struct {
	FilesModified []string
}

// ValidatePRDSnapshot runs the PRD-snapshot check table against s.
func ValidatePRDSnapshot(s snapshot.Snapshot, task TaskContext) Result {
	var checks []Check

	checks = append(checks, requiredFieldsCheck(s))
	checks = append(checks, statePresentCheck(s))
	checks = append(checks, nextStepsNonEmptyCheck(s))

	if s.HandoffNumber > 0 {
		checks = append(checks, decisionsCarriedForwardCheck(s))
	}

	checks = append(checks, decisionsHaveRationaleCheck(s))
	checks = append(checks, filesStatePresentCheck(s))

	if len(task.FilesModified) > 0 {
		checks = append(checks, filesCrossReferenceCheck(s, task.FilesModified))
	}

	checks = append(checks, gotchasPresentCheck(s))

	return score(checks)
}

// ValidateOrchestrationSnapshot runs the parallel check set for
// orchestration-style snapshots: required identifying fields present,
// a non-empty decision log (warning only), and context usage present.
func ValidateOrchestrationSnapshot(s snapshot.Snapshot) Result {
	checks := []Check{
		requiredFieldsCheck(s),
		{
			Name:     "decision_log_non_empty",
			Severity: SeverityWarning,
			Weight:   1,
			Passed:   len(s.DecisionLog) > 0,
			Message:  emptyOr(len(s.DecisionLog) > 0, "", "decision log is empty"),
		},
		{
			Name:     "context_usage_present",
			Severity: SeverityCritical,
			Weight:   3,
			Passed:   s.ContextUsage.MaxTokens > 0,
			Message:  emptyOr(s.ContextUsage.MaxTokens > 0, "", "context usage not present"),
		},
	}
	return score(checks)
}

func requiredFieldsCheck(s snapshot.Snapshot) Check {
	passed := s.AgentID != "" && s.TaskID != "" && s.Timestamp != ""
	return Check{
		Name:     "required_fields",
		Severity: SeverityCritical,
		Weight:   3,
		Passed:   passed,
		Message:  emptyOr(passed, "", "agent_id, task_id, or snapshot_timestamp missing"),
	}
}

func statePresentCheck(s snapshot.Snapshot) Check {
	passed := s.State.CurrentStep != "" && s.State.ProgressSummary != "" && s.State.CompletionEstimate != ""
	return Check{
		Name:     "state_present",
		Severity: SeverityCritical,
		Weight:   3,
		Passed:   passed,
		Message:  emptyOr(passed, "", "state.current_step, progress_summary, or completion_estimate missing"),
	}
}

func nextStepsNonEmptyCheck(s snapshot.Snapshot) Check {
	passed := len(s.NextSteps) > 0
	return Check{
		Name:     "next_steps_non_empty",
		Severity: SeverityCritical,
		Weight:   3,
		Passed:   passed,
		Message:  emptyOr(passed, "", "next_steps is empty"),
	}
}

func decisionsCarriedForwardCheck(s snapshot.Snapshot) Check {
	passed := len(s.Decisions) > 0
	return Check{
		Name:     "decisions_carried_forward",
		Severity: SeverityCritical,
		Weight:   2,
		Passed:   passed,
		Message:  emptyOr(passed, "", "handoff_number > 0 but decisions is empty"),
	}
}

func decisionsHaveRationaleCheck(s snapshot.Snapshot) Check {
	passed := true
	for _, d := range s.Decisions {
		if d.Rationale == "" {
			passed = false
			break
		}
	}
	return Check{
		Name:     "decisions_have_rationale",
		Severity: SeverityWarning,
		Weight:   1,
		Passed:   passed,
		Message:  emptyOr(passed, "", "one or more decisions are missing a rationale"),
	}
}

func filesStatePresentCheck(s snapshot.Snapshot) Check {
	passed := len(s.FilesState.Completed) > 0 || len(s.FilesState.InProgress) > 0 || len(s.FilesState.NotStarted) > 0
	return Check{
		Name:     "files_state_present",
		Severity: SeverityWarning,
		Weight:   1,
		Passed:   passed,
		Message:  emptyOr(passed, "", "files_state has no populated array"),
	}
}

func filesCrossReferenceCheck(s snapshot.Snapshot, filesModified []string) Check {
	known := make(map[string]struct{}, len(s.FilesState.Completed)+len(s.FilesState.InProgress)+len(s.FilesState.NotStarted))
	for _, f := range s.FilesState.Completed {
		known[f] = struct{}{}
	}
	for _, f := range s.FilesState.InProgress {
		known[f] = struct{}{}
	}
	for _, f := range s.FilesState.NotStarted {
		known[f] = struct{}{}
	}

	var missing []string
	for _, f := range filesModified {
		if _, ok := known[f]; !ok {
			missing = append(missing, f)
		}
	}

	passed := len(missing) == 0
	msg := ""
	if !passed {
		msg = "files modified but not accounted for in files_state: " + joinComma(missing)
	}
	return Check{
		Name:     "files_cross_reference",
		Severity: SeverityWarning,
		Weight:   1,
		Passed:   passed,
		Message:  msg,
	}
}

func gotchasPresentCheck(s snapshot.Snapshot) Check {
	passed := len(s.Gotchas) > 0
	return Check{
		Name:     "gotchas_present",
		Severity: SeverityInfo,
		Weight:   1,
		Passed:   passed,
		Message:  emptyOr(passed, "", "no gotchas recorded"),
	}
}

func score(checks []Check) Result {
	var weightedSum, totalWeight float64
	passedCount := 0
	criticalFailed := false

	for _, c := range checks {
		totalWeight += float64(c.Weight)
		if c.Passed {
			weightedSum += float64(c.Weight)
			passedCount++
		} else if c.Severity == SeverityCritical {
			criticalFailed = true
		}
	}

	var s float64
	if totalWeight > 0 {
		s = weightedSum / totalWeight
	}

	return Result{
		Valid:        !criticalFailed,
		Score:        s,
		Findings:     checks,
		PassedChecks: passedCount,
		TotalChecks:  len(checks),
	}
}

func emptyOr(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}

func joinComma(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ", "
		}
		out += item
	}
	return out
}
