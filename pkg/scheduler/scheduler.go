// Package scheduler implements Scheduler: execution-order construction
// by severity/release-date and maintenance-window resolution across
// tenant-local timezones (spec.md §4.8).
package scheduler

import (
	"sort"
	"time"

	"github.com/sentrywatch/core/pkg/policy"
)

var severityRank = map[string]int{
	"critical": 0,
	"high":     1,
	"medium":   2,
	"low":      3,
	"unknown":  4,
}

// PatchForOrdering carries the fields execution-order construction needs.
type PatchForOrdering struct {
	PatchID       string
	Severity      string
	ReleaseDate   time.Time
	RequiresReboot bool
}

// MaintenanceWindow is a tenant-local recurring time range.
type MaintenanceWindow struct {
	Timezone    string
	StartTime   string // "HH:MM"
	EndTime     string // "HH:MM"
	DaysOfWeek  []time.Weekday
}

// ExecutionPlan is the Scheduler's output (spec.md §3).
type ExecutionPlan struct {
	PlanID        string
	TenantID      string
	AssetID       string
	PolicyID      string
	DetectionID   string
	ExecutionOrder []string
	PreChecks     []string
	PostChecks    []string
	RollbackPlan  []string
	RebootRule    policy.RebootRule
	ScheduledFor  *time.Time
	Status        string
}

// PreChecks, PostChecks and RollbackPlan are fixed lists (spec.md §4.8).
var (
	PreChecks    = []string{"disk_space", "service_health"}
	PostChecks   = []string{"reboot_state", "service_health", "patch_rescan"}
	RollbackPlan = []string{"package_rollback", "restore_point"}
)

// BuildExecutionOrder sorts allowed patches by (severity rank ascending,
// release_date ascending), a deterministic total order.
func BuildExecutionOrder(allowed []PatchForOrdering) []string {
	sorted := make([]PatchForOrdering, len(allowed))
	copy(sorted, allowed)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := severityRank[sorted[i].Severity], severityRank[sorted[j].Severity]
		if ri != rj {
			return ri < rj
		}
		return sorted[i].ReleaseDate.Before(sorted[j].ReleaseDate)
	})

	order := make([]string, len(sorted))
	for i, p := range sorted {
		order[i] = p.PatchID
	}
	return order
}

// BuildPlan constructs an ExecutionPlan per spec.md §4.8.
func BuildPlan(planID, tenantID, assetID, policyID, detectionID string, allowed []PatchForOrdering, rebootRule policy.RebootRule, windows []MaintenanceWindow, now time.Time) (*ExecutionPlan, error) {
	plan := &ExecutionPlan{
		PlanID:        planID,
		TenantID:      tenantID,
		AssetID:       assetID,
		PolicyID:      policyID,
		DetectionID:   detectionID,
		ExecutionOrder: BuildExecutionOrder(allowed),
		PreChecks:     PreChecks,
		PostChecks:    PostChecks,
		RollbackPlan:  RollbackPlan,
		RebootRule:    rebootRule,
		Status:        "planned",
	}

	if rebootRule == policy.RebootMaintenanceWindow {
		scheduled, err := NextMaintenanceWindow(windows, now)
		if err != nil {
			return nil, err
		}
		plan.ScheduledFor = scheduled
	}
	return plan, nil
}

// NextMaintenanceWindow finds the earliest start time across windows,
// scanning 14 days of day offsets per window (spec.md §4.8). A window's
// start is a future candidate if start >= now converted into the
// window's local timezone; the result is returned in now's original
// timezone (REDESIGN FLAG §9: inclusive-future convention).
func NextMaintenanceWindow(windows []MaintenanceWindow, now time.Time) (*time.Time, error) {
	var earliest *time.Time

	for _, w := range windows {
		loc, err := time.LoadLocation(w.Timezone)
		if err != nil {
			return nil, err
		}
		nowLocal := now.In(loc)

		start, err := parseClock(w.StartTime)
		if err != nil {
			return nil, err
		}

		for offset := 0; offset < 14; offset++ {
			candidateDay := nowLocal.AddDate(0, 0, offset)
			if !weekdayIn(candidateDay.Weekday(), w.DaysOfWeek) {
				continue
			}

			candidate := time.Date(candidateDay.Year(), candidateDay.Month(), candidateDay.Day(),
				start.hour, start.minute, 0, 0, loc)

			if offset == 0 && candidate.Before(nowLocal) {
				continue
			}

			inOriginalTZ := candidate.In(now.Location())
			if earliest == nil || inOriginalTZ.Before(*earliest) {
				earliest = &inOriginalTZ
			}
			break
		}
	}

	return earliest, nil
}

func weekdayIn(d time.Weekday, days []time.Weekday) bool {
	for _, w := range days {
		if w == d {
			return true
		}
	}
	return false
}

type clockTime struct{ hour, minute int }

func parseClock(hhmm string) (clockTime, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return clockTime{}, err
	}
	return clockTime{hour: t.Hour(), minute: t.Minute()}, nil
}
