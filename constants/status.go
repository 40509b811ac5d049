package constants

// ReviewStatus is the review state of a LineItem.
type ReviewStatus string

// Stable values (store these exact strings in DB).
const (
	ReviewPending     ReviewStatus = "pending"
	ReviewApproved    ReviewStatus = "approved"
	ReviewRejected    ReviewStatus = "rejected"
	ReviewNeedsReview ReviewStatus = "needs_review"
	ReviewModified    ReviewStatus = "modified" // freeform flag, not a terminal state
)

var reviewStatuses = []ReviewStatus{ReviewPending, ReviewApproved, ReviewRejected, ReviewNeedsReview, ReviewModified}

// ParseReviewStatus maps a raw string onto a known ReviewStatus.
func ParseReviewStatus(s string) (ReviewStatus, bool) {
	for _, st := range reviewStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// InstanceStatus is the review state of a mined Instance.
type InstanceStatus string

const (
	InstanceNeedsReview InstanceStatus = "needs_review"
	InstanceCounted     InstanceStatus = "counted"
	InstanceExcluded    InstanceStatus = "excluded"
)

// ParseInstanceStatus maps a raw string onto a known InstanceStatus.
func ParseInstanceStatus(s string) (InstanceStatus, bool) {
	switch InstanceStatus(s) {
	case InstanceNeedsReview, InstanceCounted, InstanceExcluded:
		return InstanceStatus(s), true
	}
	return "", false
}

// RunStatus is the lifecycle status of a takeoff run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed" // terminal; error message retained on the run
)

// RunStage names the cascade step a run is currently executing.
type RunStage string

const (
	StageScoring  RunStage = "scoring"
	StageBoosting RunStage = "boosting"
	StageFastPath RunStage = "fast_path"
	StageAgentic  RunStage = "agentic"
	StageMining   RunStage = "mining"
	StageDone     RunStage = "done"
)

// Strategy records which extractor produced a run's line items.
type Strategy string

const (
	StrategyFastPath Strategy = "fastpath"
	StrategyAgentic  Strategy = "agentic"
)
