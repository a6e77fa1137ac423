package observer

import (
	"regexp"
	"strings"

	"loom/internal/types"
)

// Heuristic scoring starts at a solid baseline and moves on textual signals.
// It exists so the engine degrades gracefully without an evaluator and so
// tests run deterministically.
const baseScore = 80

var (
	completionMarkers = []string{"task complete", "task is complete", "all done", "completed successfully", "nothing left to do"}
	failureMarkers    = []string{"error:", "failed", "cannot", "unable to", "fatal", "exception"}
	decisionMarkers   = []string{"should i", "which option", "please decide", "please choose", "please clarify", "need a decision", "user decision", "do you want"}

	// "1. label" / "- label" / "* label" lines following a question.
	optionLine = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*])\s+(.+?)\s*$`)
	// "BLOCKER: ..." style tagged lines.
	taggedLine = regexp.MustCompile(`(?i)^\s*(BLOCKER|CONSTRAINT|INSIGHT|PATTERN|DISCOVERY)\s*:\s*(.+)$`)
	// "drifting"/"instead of the plan" style deviation callouts.
	driftLine = regexp.MustCompile(`(?i)(instead of|deviat\w+ from|abandon\w* the|switch\w* to a different)`)
)

func (o *Observer) heuristic(in types.ObserveInput) *types.Observation {
	out := strings.ToLower(in.RawOutput)
	obs := &types.Observation{
		AlignmentScore: baseScore,
		OnTrack:        true,
	}

	for _, m := range completionMarkers {
		if strings.Contains(out, m) {
			obs.TaskComplete = true
			obs.AlignmentScore += 10
			break
		}
	}
	for _, m := range failureMarkers {
		if strings.Contains(out, m) {
			obs.Issues = append(obs.Issues, "output reports: "+m)
			obs.AlignmentScore -= 15
		}
	}

	lines := strings.Split(in.RawOutput, "\n")
	for _, line := range lines {
		if m := taggedLine.FindStringSubmatch(line); m != nil {
			obs.Discoveries = append(obs.Discoveries, types.Discovery{
				Type:    discoveryType(m[1]),
				Content: strings.TrimSpace(m[2]),
			})
			continue
		}
		if driftLine.MatchString(line) {
			obs.Drift = append(obs.Drift, strings.TrimSpace(line))
		}
	}

	if amb := detectAmbiguity(lines); amb != nil {
		obs.Ambiguity = amb
	}
	return obs
}

func discoveryType(tag string) types.DiscoveryType {
	switch strings.ToLower(tag) {
	case "blocker":
		return types.DiscoveryBlocker
	case "constraint":
		return types.DiscoveryConstraint
	case "pattern":
		return types.DiscoveryPattern
	default:
		return types.DiscoveryInsight
	}
}

// detectAmbiguity looks for an explicit decision request followed by a list
// of options. The question line anchors the payload; option lines feed the
// labeled choices.
func detectAmbiguity(lines []string) *types.Ambiguity {
	questionIdx := -1
	var question string
	for i, line := range lines {
		lower := strings.ToLower(line)
		for _, m := range decisionMarkers {
			if strings.Contains(lower, m) {
				questionIdx = i
				question = strings.TrimSpace(line)
				break
			}
		}
		if questionIdx >= 0 {
			break
		}
	}
	if questionIdx < 0 {
		return nil
	}

	amb := &types.Ambiguity{
		Question:    question,
		TriggerType: classifyTrigger(question),
	}
	for _, line := range lines[questionIdx+1:] {
		if strings.TrimSpace(line) == "" && len(amb.Options) > 0 {
			break
		}
		if m := optionLine.FindStringSubmatch(line); m != nil {
			label := m[1]
			amb.Options = append(amb.Options, types.EscalationOption{
				ID:    optionIDForLabel(label),
				Label: label,
			})
		}
	}
	return amb
}

// optionIDForLabel maps the decomposition phrasing onto its reserved ID so
// the resolver recognizes it regardless of exact wording.
func optionIDForLabel(label string) string {
	l := strings.ToLower(label)
	if strings.Contains(l, "break") && strings.Contains(l, "subtask") {
		return types.OptionBreakIntoSubtasks
	}
	return optionID(label)
}

func classifyTrigger(question string) string {
	q := strings.ToLower(question)
	switch {
	case strings.Contains(q, "requirement") || strings.Contains(q, "should the") || strings.Contains(q, "should it") || strings.Contains(q, "should i"):
		return "unclear_requirement"
	case strings.Contains(q, "design") || strings.Contains(q, "architecture") || strings.Contains(q, "approach"):
		return "design_decision"
	default:
		return "ambiguity"
	}
}
