// Package retro runs retrospective analysis: recent escalations are
// clustered by trigger and root cause, clusters become improvement
// proposals, and accepted proposals materialize as child outcomes under a
// synthesized "Self-Improvement" parent.
package retro

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/store"
	"loom/internal/types"
)

// SelfImprovementName is the synthesized parent outcome all accepted
// proposals land under.
const SelfImprovementName = "Self-Improvement"

// Engine triggers and drains analysis jobs.
type Engine struct {
	st  *store.Store
	cfg config.RetroConfig
}

// NewEngine creates a retrospective engine.
func NewEngine(st *store.Store, cfg config.RetroConfig) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 30
	}
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = 3
	}
	return &Engine{st: st, cfg: cfg}
}

// Trigger enqueues an analysis job for the outcome. The store rejects it
// with conflict while another job for the outcome is pending or running.
func (e *Engine) Trigger(outcomeID string) (*types.AnalysisJob, error) {
	j := &types.AnalysisJob{OutcomeID: outcomeID, Progress: "queued"}
	if err := e.st.CreateAnalysisJob(j); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryRetro).Info("analysis job %s queued for %s", j.ID, outcomeID)
	return j, nil
}

// Status returns the newest job for an outcome.
func (e *Engine) Status(outcomeID string) (*types.AnalysisJob, error) {
	return e.st.LatestAnalysisJob(outcomeID)
}

// Drain runs the worker pool until no pending job remains. Each worker pops
// jobs transactionally, so no job runs twice.
func (e *Engine) Drain(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				job, err := e.st.NextPendingJob()
				if err != nil {
					return err
				}
				if job == nil {
					return nil
				}
				e.runJob(ctx, job)
			}
		})
	}
	return g.Wait()
}

// runJob executes one analysis to its terminal state.
func (e *Engine) runJob(ctx context.Context, job *types.AnalysisJob) {
	log := logging.Get(logging.CategoryRetro)
	timer := logging.StartTimer(logging.CategoryRetro, "analysis")
	defer timer.Stop()

	if e.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.JobTimeout)
		defer cancel()
	}

	job.Progress = "clustering escalations"
	_ = e.st.UpdateAnalysisJob(job)

	cutoff := time.Now().UTC().AddDate(0, 0, -e.cfg.LookbackDays)
	escalations, err := e.st.ListEscalationsSince(job.OutcomeID, cutoff)
	if err != nil {
		job.Status = types.JobFailed
		job.Error = err.Error()
		_ = e.st.UpdateAnalysisJob(job)
		return
	}

	// Already-incorporated escalations carry no new signal.
	fresh := escalations[:0]
	for _, esc := range escalations {
		if !esc.Incorporated {
			fresh = append(fresh, esc)
		}
	}

	clusters := clusterEscalations(fresh)
	job.Progress = "drafting proposals"
	_ = e.st.UpdateAnalysisJob(job)

	result := &types.AnalysisResult{Clusters: clusters}
	for _, c := range clusters {
		if len(c.EscalationIDs) < e.cfg.MinClusterSize {
			continue
		}
		result.Proposals = append(result.Proposals, buildProposal(c, fresh))
	}

	job.Status = types.JobCompleted
	job.Progress = "done"
	job.Result = result
	if err := e.st.UpdateAnalysisJob(job); err != nil {
		log.Error("persist job %s: %v", job.ID, err)
		return
	}
	log.Info("job %s: %d cluster(s), %d proposal(s)", job.ID, len(clusters), len(result.Proposals))
}

// =============================================================================
// CLUSTERING
// =============================================================================

// clusterEscalations groups by trigger_type, then splits groups whose
// questions share too few tokens. Root cause is the dominant token set.
func clusterEscalations(escalations []*types.Escalation) []types.EscalationCluster {
	byTrigger := make(map[string][]*types.Escalation)
	for _, esc := range escalations {
		byTrigger[esc.TriggerType] = append(byTrigger[esc.TriggerType], esc)
	}

	var clusters []types.EscalationCluster
	for trigger, group := range byTrigger {
		for _, sub := range splitByOverlap(group) {
			c := types.EscalationCluster{
				TriggerType: trigger,
				RootCause:   rootCause(trigger, sub),
			}
			for _, esc := range sub {
				c.EscalationIDs = append(c.EscalationIDs, esc.ID)
			}
			clusters = append(clusters, c)
		}
	}
	sort.Slice(clusters, func(i, j int) bool {
		return len(clusters[i].EscalationIDs) > len(clusters[j].EscalationIDs)
	})
	return clusters
}

// splitByOverlap greedily buckets escalations: one joins a bucket when its
// question overlaps the bucket seed enough.
func splitByOverlap(group []*types.Escalation) [][]*types.Escalation {
	const minOverlap = 0.2
	var buckets [][]*types.Escalation
	var seeds []map[string]bool

	for _, esc := range group {
		tokens := tokenize(esc.Question)
		placed := false
		for i, seed := range seeds {
			if jaccard(tokens, seed) >= minOverlap {
				buckets[i] = append(buckets[i], esc)
				placed = true
				break
			}
		}
		if !placed {
			buckets = append(buckets, []*types.Escalation{esc})
			seeds = append(seeds, tokens)
		}
	}
	return buckets
}

// rootCause names a cluster by its trigger and most frequent question tokens.
func rootCause(trigger string, group []*types.Escalation) string {
	freq := make(map[string]int)
	for _, esc := range group {
		for tok := range tokenize(esc.Question) {
			freq[tok]++
		}
	}
	type tc struct {
		tok string
		n   int
	}
	var ranked []tc
	for tok, n := range freq {
		ranked = append(ranked, tc{tok, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].tok < ranked[j].tok
	})
	var top []string
	for i := 0; i < len(ranked) && i < 3; i++ {
		top = append(top, ranked[i].tok)
	}
	return "recurring " + trigger + " around: " + strings.Join(top, ", ")
}

// buildProposal drafts an improvement proposal for one cluster: document the
// decision, encode it where workers see it, and verify recurrence stops.
func buildProposal(c types.EscalationCluster, escalations []*types.Escalation) types.ImprovementProposal {
	sample := ""
	for _, esc := range escalations {
		for _, id := range c.EscalationIDs {
			if esc.ID == id {
				sample = esc.Question
				break
			}
		}
		if sample != "" {
			break
		}
	}

	return types.ImprovementProposal{
		ID:            types.NewID("proposal"),
		RootCause:     c.RootCause,
		TriggerType:   c.TriggerType,
		Problem:       "workers escalated " + strconv.Itoa(len(c.EscalationIDs)) + " times; sample: " + sample,
		EscalationIDs: c.EscalationIDs,
		IntentSketch:  "Eliminate the recurring escalations caused by " + c.RootCause + ".",
		ApproachSketch: "Capture the settled decisions as skills and defaults so workers " +
			"answer these questions without escalating.",
		Tasks: []types.ProposedTask{
			{Title: "Document the settled decisions behind: " + c.RootCause, Priority: 10},
			{Title: "Encode the decisions as workspace skills or defaults", Priority: 20},
			{Title: "Verify the escalation pattern no longer recurs", Priority: 30},
		},
	}
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(w) > 3 {
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
	return float64(inter) / float64(len(a)+len(b)-inter)
}
