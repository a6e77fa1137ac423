package escalation

import (
	"strings"

	"loom/internal/types"
)

// bestMatch scores every option of a pending escalation against two evidence
// sources and returns the strongest (option, confidence) pair:
//
//   - prior resolutions: a previously answered question with high token
//     overlap votes for its selected option, weighted by that overlap;
//   - the skill set: an option whose label names a known skill (or matches
//     its triggers) is considered backed by existing capability.
//
// The decomposition option never auto-resolves; only the user may order a
// decomposition.
func bestMatch(e *types.Escalation, skills []types.Capability, history []*types.Escalation) (string, float64) {
	bestOpt := ""
	bestScore := 0.0

	qTokens := tokenize(e.Question)
	for _, h := range history {
		if h.ID == e.ID || h.SelectedOption == "" || h.SelectedOption == types.OptionBreakIntoSubtasks {
			continue
		}
		if h.TriggerType != e.TriggerType {
			continue
		}
		sim := jaccard(qTokens, tokenize(h.Question))
		if sim <= bestScore {
			continue
		}
		if _, ok := findOption(e.Options, h.SelectedOption); ok {
			bestOpt, bestScore = h.SelectedOption, sim
		}
	}

	for _, opt := range e.Options {
		if opt.ID == types.OptionBreakIntoSubtasks {
			continue
		}
		score := skillSupport(opt, skills)
		if score > bestScore {
			bestOpt, bestScore = opt.ID, score
		}
	}

	return bestOpt, bestScore
}

// skillSupport measures how strongly the skill set endorses an option.
func skillSupport(opt types.EscalationOption, skills []types.Capability) float64 {
	label := strings.ToLower(opt.Label)
	best := 0.0
	for _, s := range skills {
		if s.Type != types.CapabilitySkill {
			continue
		}
		if strings.Contains(label, strings.ToLower(strings.ReplaceAll(s.Name, "-", " "))) ||
			strings.Contains(label, strings.ToLower(s.Name)) {
			return 0.9
		}
		for _, trig := range s.Triggers {
			if trig != "" && strings.Contains(label, strings.ToLower(trig)) {
				if best < 0.85 {
					best = 0.85
				}
			}
		}
	}
	return best
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(w) > 2 {
			tokens[w] = true
		}
	}
	return tokens
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
