package supervisor

import (
	"fmt"
	"strings"

	"loom/internal/types"
)

// buildPrompt assembles the iteration prompt: outcome intent, current
// approach, the task's own intent and approach, a compacted view of recent
// progress, and the capabilities the task requires. Deterministic given
// those inputs.
func (s *Supervisor) buildPrompt(task *types.Task) (string, error) {
	outcome, err := s.m.st.GetOutcome(s.outcomeID)
	if err != nil {
		return "", err
	}
	approach := ""
	if doc, err := s.m.st.LatestDesignDoc(s.outcomeID); err == nil {
		approach = doc.Approach
	}

	var b strings.Builder
	b.WriteString("# Goal\n")
	b.WriteString(outcome.Intent.Summary + "\n")
	if approach != "" {
		b.WriteString("\n# Approach\n" + approach + "\n")
	}

	b.WriteString("\n# Current task\n" + task.Title + "\n")
	if task.Intent != "" {
		b.WriteString("Intent: " + task.Intent + "\n")
	}
	if task.Approach != "" {
		b.WriteString("Approach: " + task.Approach + "\n")
	}

	if history := s.progressContext(); history != "" {
		b.WriteString("\n# Recent progress\n" + history + "\n")
	}

	if caps := s.requiredCapabilities(outcome, task); len(caps) > 0 {
		b.WriteString("\n# Available capabilities\n")
		for _, c := range caps {
			line := "- " + c.Ref()
			if c.Description != "" {
				line += ": " + c.Description
			}
			if len(c.Requires) > 0 {
				line += " (requires env: " + strings.Join(c.Requires, ", ") + ")"
			}
			b.WriteString(line + "\n")
		}
	}

	b.WriteString("\nWork the current task one step further. State TASK COMPLETE when it is done.\n")
	return b.String(), nil
}

// progressContext returns the compacted summary plus the contents of entries
// written after it. Raw sidecar output stays out of the prompt.
func (s *Supervisor) progressContext() string {
	afterID := int64(0)
	var parts []string
	if last, err := s.m.st.LatestCompactedEntry(s.worker.ID); err == nil && last != nil {
		afterID = last.ID
		parts = append(parts, last.Content)
	}
	entries, err := s.m.st.ListProgress(s.worker.ID, afterID)
	if err != nil {
		return strings.Join(parts, "\n")
	}
	for _, e := range entries {
		if e.Content != "" {
			parts = append(parts, "- "+e.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// requiredCapabilities resolves the task's capability references against the
// workspace scan.
func (s *Supervisor) requiredCapabilities(outcome *types.Outcome, task *types.Task) []types.Capability {
	if len(task.RequiredCapabilities) == 0 {
		return nil
	}
	scanned, err := s.m.ws.Scan(outcome)
	if err != nil {
		return nil
	}
	want := make(map[string]bool, len(task.RequiredCapabilities))
	for _, ref := range task.RequiredCapabilities {
		want[ref] = true
	}
	var out []types.Capability
	for _, c := range scanned {
		if want[c.Ref()] {
			out = append(out, c)
		}
	}
	return out
}

func iterationSummary(obs *types.Observation) string {
	summary := fmt.Sprintf("iteration %d: quality=%s score=%d on_track=%v",
		obs.Iteration, obs.Quality, obs.AlignmentScore, obs.OnTrack)
	if obs.TaskComplete {
		summary += " task_complete"
	}
	if len(obs.Issues) > 0 {
		summary += " issues=" + strings.Join(obs.Issues, "; ")
	}
	return summary
}

// summarizeEntries folds a progress window into one compacted line set.
func summarizeEntries(entries []*types.ProgressEntry) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("compacted %d entries (iterations %d-%d):\n",
		len(entries), entries[0].Iteration, entries[len(entries)-1].Iteration))
	for _, e := range entries {
		if e.Compacted || e.Content == "" {
			continue
		}
		b.WriteString("- " + e.Content + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
