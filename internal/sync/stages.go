// Package sync drives the multi-stage pipeline that turns directory listings
// into persisted users, applications and grant edges.
package sync

// Pipeline stages in execution order. Each maps to a fixed progress value so
// pollers can render a bar without knowing stage internals.
const (
	StageConnected             = "CONNECTED"
	StageUsersFetched          = "USERS_FETCHED"
	StageGrantsFetched         = "GRANTS_FETCHED"
	StageApplicationsGrouped   = "APPLICATIONS_GROUPED"
	StageApplicationsPersisted = "APPLICATIONS_PERSISTED"
	StageRelationsPersisted    = "RELATIONSHIPS_PERSISTED"
	StageCompleted             = "COMPLETED"
	StageFailed                = "FAILED"
)

var stageProgress = map[string]int32{
	StageConnected:             5,
	StageUsersFetched:          25,
	StageGrantsFetched:         45,
	StageApplicationsGrouped:   55,
	StageApplicationsPersisted: 70,
	StageRelationsPersisted:    90,
	StageCompleted:             100,
	StageFailed:                -1,
}

// ProgressFor returns the progress percentage of a stage, or 0 for a stage it
// does not know.
func ProgressFor(stage string) int32 {
	return stageProgress[stage]
}
