package domain

import "time"

// RunTrigger records what started a sync run.
type RunTrigger string

const (
	// TriggerManual marks runs started through the facade.
	TriggerManual RunTrigger = "manual"
	// TriggerScheduled marks runs started by the external scheduler.
	TriggerScheduled RunTrigger = "scheduled"
	// TriggerAutomation marks runs started by the automation connector.
	TriggerAutomation RunTrigger = "automation"
)

// RunMode selects full reconciliation or a modified-since delta.
type RunMode string

const (
	// ModeFull fetches every remote record and enables purge.
	ModeFull RunMode = "full"
	// ModeIncremental fetches records modified since the last successful
	// run and never purges.
	ModeIncremental RunMode = "incremental"
)

// RunLease is the single-run lock. A lease whose heartbeat is older than
// its TTL counts as released regardless of who holds it.
type RunLease struct {
	Owner       string
	AcquiredAt  time.Time
	HeartbeatAt time.Time
	TTL         time.Duration
}

// Expired reports whether the lease can be taken over at the given instant.
func (l RunLease) Expired(now time.Time) bool {
	if l.Owner == "" {
		return true
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return now.Sub(l.HeartbeatAt) > ttl
}

// RunReport is the outcome record appended to the bounded run history.
type RunReport struct {
	ID                string
	Success           bool
	Mode              RunMode
	Trigger           RunTrigger
	Created           int
	Updated           int
	Failed            int
	Skipped           int
	RetiredRecords    int
	RetiredCategories int
	WithFeatures      int
	WithoutFeatures   int
	StartedAt         time.Time
	FinishedAt        time.Time
	Error             string
}
