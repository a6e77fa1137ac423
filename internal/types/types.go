// Package types provides shared type definitions used across loom packages.
// This package exists to break import cycles between the store, engine, and
// supervisor. Types in this package should be foundational data structures
// with no complex dependencies.
package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ID prefixes. Every entity carries an opaque identifier with a short typed
// prefix so that logs and CLI output are self-describing.
const (
	PrefixOutcome     = "outcome"
	PrefixTask        = "task"
	PrefixWorker      = "worker"
	PrefixEscalation  = "escalation"
	PrefixObservation = "observation"
	PrefixReview      = "review"
	PrefixRetro       = "retro"
	PrefixDesignDoc   = "design"
	PrefixMerge       = "merge"
)

// NewID returns a fresh identifier with the given typed prefix.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// IDPrefix extracts the typed prefix from an identifier, or "" if malformed.
func IDPrefix(id string) string {
	i := strings.IndexByte(id, '-')
	if i <= 0 {
		return ""
	}
	return id[:i]
}

// =============================================================================
// OUTCOME
// =============================================================================

// OutcomeStatus represents the lifecycle state of an outcome.
type OutcomeStatus string

const (
	OutcomeActive   OutcomeStatus = "active"
	OutcomeDormant  OutcomeStatus = "dormant"
	OutcomeAchieved OutcomeStatus = "achieved"
	OutcomeArchived OutcomeStatus = "archived"
)

// CapabilityReady is the tri-state capability gate on an outcome.
type CapabilityReady string

const (
	CapabilityNotStarted CapabilityReady = "not_started"
	CapabilityBuilding   CapabilityReady = "building"
	CapabilityIsReady    CapabilityReady = "ready"
)

// GitMode controls how workers share the outcome's working directory.
type GitMode string

const (
	GitModeNone     GitMode = "none"     // plain directory, no git
	GitModeShared   GitMode = "shared"   // one shared checkout, serialized writes
	GitModeWorktree GitMode = "worktree" // branch + worktree per worker
)

// IntentItem is one deliverable within an outcome's intent.
type IntentItem struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Priority           int      `json:"priority"`
	Status             string   `json:"status"` // "open", "done"
}

// Intent is the structured "what" of an outcome.
type Intent struct {
	Summary         string       `json:"summary"`
	Items           []IntentItem `json:"items,omitempty"`
	SuccessCriteria []string     `json:"success_criteria,omitempty"`
}

// DesignDoc is one version of an outcome's approach. Versions are monotonic
// per outcome; the latest version is the active approach.
type DesignDoc struct {
	ID        string    `json:"id"`
	OutcomeID string    `json:"outcome_id"`
	Version   int       `json:"version"`
	Approach  string    `json:"approach"`
	CreatedAt time.Time `json:"created_at"`
}

// Convergence tracks the review convergence window for an outcome.
type Convergence struct {
	ConsecutiveZeroIssues int `json:"consecutive_zero_issues"`
	LastCycleIndex        int `json:"last_cycle_index"`
}

// Outcome is a user-declared goal, the root of the task/worker graph.
// Outcomes form a forest via ParentID; only leaf outcomes host workers.
type Outcome struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	ParentID        string          `json:"parent_id,omitempty"`
	Brief           string          `json:"brief,omitempty"`
	Intent          Intent          `json:"intent"`
	Status          OutcomeStatus   `json:"status"`
	CapabilityReady CapabilityReady `json:"capability_ready"`
	WorkingDir      string          `json:"working_dir,omitempty"`
	WorkBranch      string          `json:"work_branch,omitempty"`
	GitMode         GitMode         `json:"git_mode"`
	Parallel        bool            `json:"parallel"`
	Convergence     Convergence     `json:"convergence"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// =============================================================================
// TASK
// =============================================================================

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending                 TaskStatus = "pending"
	TaskClaimed                 TaskStatus = "claimed"
	TaskRunning                 TaskStatus = "running"
	TaskCompleted               TaskStatus = "completed"
	TaskFailed                  TaskStatus = "failed"
	TaskBlocked                 TaskStatus = "blocked"
	TaskDecompositionPending    TaskStatus = "decomposition_pending"
	TaskDecompositionInProgress TaskStatus = "decomposition_in_progress"
)

// TaskPhase distinguishes capability-building tasks from execution tasks.
type TaskPhase string

const (
	PhaseCapability TaskPhase = "capability"
	PhaseExecution  TaskPhase = "execution"
)

// CapabilityType is the kind of artifact a capability task produces.
type CapabilityType string

const (
	CapabilitySkill CapabilityType = "skill"
	CapabilityTool  CapabilityType = "tool"
)

// DefaultMaxAttempts caps retries before a task is dead-lettered.
const DefaultMaxAttempts = 3

// Task is a unit of work owned by exactly one outcome.
type Task struct {
	ID          string `json:"id"`
	OutcomeID   string `json:"outcome_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Intent      string `json:"task_intent,omitempty"`   // what
	Approach    string `json:"task_approach,omitempty"` // how
	Priority    int    `json:"priority"`                // lower = more urgent
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`

	Phase          TaskPhase      `json:"phase"`
	CapabilityType CapabilityType `json:"capability_type,omitempty"` // set when Phase == PhaseCapability

	DependsOn            []string `json:"depends_on,omitempty"`            // task IDs within the same outcome
	RequiredCapabilities []string `json:"required_capabilities,omitempty"` // refs like "skill:tavily-api"

	Status    TaskStatus `json:"status"`
	ClaimedBy string     `json:"claimed_by,omitempty"` // worker ID while claimed/running

	FromReview  bool `json:"from_review,omitempty"`
	ReviewCycle int  `json:"review_cycle,omitempty"` // creation cycle for review-generated tasks

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the task is in a terminal status.
func (t *Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// =============================================================================
// WORKER
// =============================================================================

// WorkerStatus represents the lifecycle state of a worker.
type WorkerStatus string

const (
	WorkerIdle      WorkerStatus = "idle"
	WorkerRunning   WorkerStatus = "running"
	WorkerWaiting   WorkerStatus = "waiting" // blocked on an escalation answer
	WorkerPaused    WorkerStatus = "paused"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
)

// TerminalWorkerStatus reports whether a worker status is final.
func TerminalWorkerStatus(s WorkerStatus) bool {
	return s == WorkerCompleted || s == WorkerFailed
}

// Worker is a long-lived driver that claims and progresses tasks by invoking
// the LLM runner iteratively (one supervisor loop per worker).
type Worker struct {
	ID                string       `json:"id"`
	OutcomeID         string       `json:"outcome_id"`
	Name              string       `json:"name"`
	Status            WorkerStatus `json:"status"`
	CurrentTaskID     string       `json:"current_task_id,omitempty"`
	Iteration         int          `json:"iteration"`
	CostUSD           float64      `json:"cost_usd"`
	ProgressSummary   string       `json:"progress_summary,omitempty"`
	BranchName        string       `json:"branch_name,omitempty"` // worktree mode
	StartedAt         time.Time    `json:"started_at"`
	StoppedAt         *time.Time   `json:"stopped_at,omitempty"`
	LastObservationID string       `json:"last_observation_id,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// ProgressEntry is an append-only record of one supervisor step. Entries are
// keyed by worker and a monotonic row ID and never mutated after write.
type ProgressEntry struct {
	ID            int64     `json:"id"`
	WorkerID      string    `json:"worker_id"`
	Iteration     int       `json:"iteration"`
	TaskID        string    `json:"task_id,omitempty"`
	Content       string    `json:"content"`
	RawOutput     string    `json:"raw_output,omitempty"`
	ObservationID string    `json:"observation_id,omitempty"`
	Compacted     bool      `json:"compacted"`
	CreatedAt     time.Time `json:"created_at"`
}

// =============================================================================
// OBSERVATION
// =============================================================================

// Quality is the banded verdict derived from the alignment score.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityNeedsWork Quality = "needs_work"
	QualityPoor      Quality = "poor"
)

// QualityFor maps an alignment score (0-100) to its quality band.
func QualityFor(score int) Quality {
	switch {
	case score >= 75:
		return QualityGood
	case score >= 40:
		return QualityNeedsWork
	default:
		return QualityPoor
	}
}

// DiscoveryType tags what kind of thing the observer noticed.
type DiscoveryType string

const (
	DiscoveryPattern    DiscoveryType = "pattern"
	DiscoveryConstraint DiscoveryType = "constraint"
	DiscoveryInsight    DiscoveryType = "insight"
	DiscoveryBlocker    DiscoveryType = "blocker"
)

// Discovery is something the observer noticed in an iteration's output.
type Discovery struct {
	Type    DiscoveryType `json:"type"`
	Content string        `json:"content"`
}

// Ambiguity is the structured payload attached when an observation detects a
// decision only the user can make. At least two labeled options are required.
type Ambiguity struct {
	Question    string             `json:"question"`
	Options     []EscalationOption `json:"options"`
	TriggerType string             `json:"trigger_type"`
}

// Observation is the per-iteration evaluation written by the observer.
type Observation struct {
	ID             string      `json:"id"`
	WorkerID       string      `json:"worker_id"`
	TaskID         string      `json:"task_id"`
	Iteration      int         `json:"iteration"`
	AlignmentScore int         `json:"alignment_score"` // 0-100
	Quality        Quality     `json:"quality"`
	OnTrack        bool        `json:"on_track"`
	TaskComplete   bool        `json:"task_complete"`
	Discoveries    []Discovery `json:"discoveries,omitempty"`
	Drift          []string    `json:"drift,omitempty"`
	Issues         []string    `json:"issues,omitempty"`
	HasAmbiguity   bool        `json:"has_ambiguity"`
	Ambiguity      *Ambiguity  `json:"ambiguity,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// =============================================================================
// ESCALATION
// =============================================================================

// EscalationStatus represents the lifecycle state of an escalation.
type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending"
	EscalationAnswered  EscalationStatus = "answered"
	EscalationDismissed EscalationStatus = "dismissed"
)

// OptionBreakIntoSubtasks is the reserved option ID that requests task
// decomposition instead of an approach amendment.
const OptionBreakIntoSubtasks = "break_into_subtasks"

// EscalationOption is one labeled answer the user may pick.
type EscalationOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Escalation is a structured question raised to the user. While pending it
// blocks every task in AffectedTasks from being claimed.
type Escalation struct {
	ID             string             `json:"id"`
	OutcomeID      string             `json:"outcome_id"`
	TriggerType    string             `json:"trigger_type"` // short stable tag, e.g. "unclear_requirement"
	Question       string             `json:"question"`
	Options        []EscalationOption `json:"options"`
	AffectedTasks  []string           `json:"affected_tasks,omitempty"`
	Status         EscalationStatus   `json:"status"`
	SelectedOption string             `json:"selected_option,omitempty"`
	UserContext    string             `json:"user_context,omitempty"`
	Confidence     float64            `json:"confidence,omitempty"` // set by auto-resolve
	Incorporated   bool               `json:"incorporated,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	ResolvedAt     *time.Time         `json:"resolved_at,omitempty"`
}

// =============================================================================
// CAPABILITY
// =============================================================================

// Capability is an outcome-scoped reusable artifact: a skill (markdown with
// frontmatter) or a tool (an executable script) discovered in the workspace.
type Capability struct {
	Type        CapabilityType `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Triggers    []string       `json:"triggers,omitempty"`
	Requires    []string       `json:"requires,omitempty"` // env-key names
	Path        string         `json:"path,omitempty"`
	TaskID      string         `json:"task_id,omitempty"` // creation task, when tracked
}

// Ref returns the typed reference form used in Task.RequiredCapabilities.
func (c Capability) Ref() string {
	return string(c.Type) + ":" + c.Name
}

// ParseCapabilityRef splits a "skill:<name>" / "tool:<name>" reference.
func ParseCapabilityRef(ref string) (CapabilityType, string, bool) {
	i := strings.IndexByte(ref, ':')
	if i <= 0 || i == len(ref)-1 {
		return "", "", false
	}
	switch CapabilityType(ref[:i]) {
	case CapabilitySkill:
		return CapabilitySkill, ref[i+1:], true
	case CapabilityTool:
		return CapabilityTool, ref[i+1:], true
	}
	return "", "", false
}

// CapabilityNeed is a skill/tool requirement extracted from approach text.
type CapabilityNeed struct {
	Type   CapabilityType `json:"type"`
	Name   string         `json:"name"`
	Reason string         `json:"reason,omitempty"`
}

// Ref returns the typed reference form of the need.
func (n CapabilityNeed) Ref() string {
	return string(n.Type) + ":" + n.Name
}

// =============================================================================
// REVIEW
// =============================================================================

// IssueSeverity ranks review issues. Medium and above generate remediation.
type IssueSeverity string

const (
	SeverityLow    IssueSeverity = "low"
	SeverityMedium IssueSeverity = "medium"
	SeverityHigh   IssueSeverity = "high"
)

// SeverityAtLeast reports whether s ranks at or above min.
func SeverityAtLeast(s, min IssueSeverity) bool {
	rank := map[IssueSeverity]int{SeverityLow: 0, SeverityMedium: 1, SeverityHigh: 2}
	return rank[s] >= rank[min]
}

// CriterionResult is one pass/fail verdict with its evidence.
type CriterionResult struct {
	ItemID    string `json:"item_id,omitempty"` // empty for global success criteria
	Criterion string `json:"criterion"`
	Passed    bool   `json:"passed"`
	Evidence  string `json:"evidence,omitempty"`
}

// ReviewIssue is a problem found during a full review.
type ReviewIssue struct {
	Severity    IssueSeverity `json:"severity"`
	Description string        `json:"description"`
	ItemID      string        `json:"item_id,omitempty"`
}

// ReviewCycle is one audit of an outcome against its success criteria.
type ReviewCycle struct {
	ID               string            `json:"id"`
	OutcomeID        string            `json:"outcome_id"`
	CycleIndex       int               `json:"cycle_index"`
	CriteriaOnly     bool              `json:"criteria_only"`
	ItemResults      []CriterionResult `json:"item_results,omitempty"`
	CriteriaResults  []CriterionResult `json:"criteria_results,omitempty"`
	Issues           []ReviewIssue     `json:"issues,omitempty"`
	IssuesFound      int               `json:"issues_found"`
	RemediationTasks []string          `json:"remediation_tasks,omitempty"`
	AllCriteriaPass  bool              `json:"all_criteria_pass"`
	CreatedAt        time.Time         `json:"created_at"`
}

// =============================================================================
// RETROSPECTIVE
// =============================================================================

// JobStatus represents the lifecycle state of an analysis job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// EscalationCluster groups historical escalations sharing a root cause.
type EscalationCluster struct {
	TriggerType   string   `json:"trigger_type"`
	RootCause     string   `json:"root_cause"`
	EscalationIDs []string `json:"escalation_ids"`
}

// ProposedTask is a task sketch inside an improvement proposal.
type ProposedTask struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
}

// ImprovementProposal is one retrospective suggestion, materializable as a
// child outcome.
type ImprovementProposal struct {
	ID             string         `json:"id"`
	RootCause      string         `json:"root_cause"`
	Problem        string         `json:"problem"`
	TriggerType    string         `json:"trigger_type"`
	EscalationIDs  []string       `json:"escalation_ids"`
	Tasks          []ProposedTask `json:"tasks"`
	IntentSketch   string         `json:"intent_sketch,omitempty"`
	ApproachSketch string         `json:"approach_sketch,omitempty"`
}

// AnalysisResult is the output blob of a completed analysis job.
type AnalysisResult struct {
	Clusters  []EscalationCluster   `json:"clusters,omitempty"`
	Proposals []ImprovementProposal `json:"proposals,omitempty"`
}

// AnalysisJob is a background retrospective run. At most one job per outcome
// may be running at a time.
type AnalysisJob struct {
	ID        string          `json:"id"`
	OutcomeID string          `json:"outcome_id"`
	Status    JobStatus       `json:"status"`
	Progress  string          `json:"progress,omitempty"`
	Result    *AnalysisResult `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// =============================================================================
// MERGE
// =============================================================================

// MergeState represents the lifecycle of a queued merge.
type MergeState string

const (
	MergeQueued     MergeState = "queued"
	MergeInProgress MergeState = "in_progress"
	MergeCompleted  MergeState = "completed"
	MergeConflicted MergeState = "conflicted"
	MergeFailed     MergeState = "failed"
)

// MergeRequest tracks one worker branch merge through the per-outcome FIFO
// queue. Conflicted merges never modify the base branch.
type MergeRequest struct {
	ID        string     `json:"id"`
	OutcomeID string     `json:"outcome_id"`
	WorkerID  string     `json:"worker_id"`
	Branch    string     `json:"branch"`
	State     MergeState `json:"state"`
	Conflicts []string   `json:"conflicts,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TaskStats summarizes task counts by status for one outcome.
type TaskStats struct {
	Total     int                `json:"total"`
	ByStatus  map[TaskStatus]int `json:"by_status"`
	ByPhase   map[TaskPhase]int  `json:"by_phase"`
	DeadLetter int               `json:"dead_letter"` // failed with attempts >= max
}
