package sync

// StartRequest kicks off a sync run for one organization. The tokens were
// minted by the vendor consent flow and belong to the admin user identified
// by UserEmail.
type StartRequest struct {
	OrganizationID string `json:"organizationId"`
	SyncJobID      string `json:"syncJobId"`
	AccessToken    string `json:"accessToken"`
	RefreshToken   string `json:"refreshToken"`
	UserEmail      string `json:"userEmail"`
	Vendor         string `json:"vendor,omitempty"`
	// Force runs the full pipeline even when the organization already has a
	// discovered inventory. Without it the run only refreshes credentials.
	Force bool `json:"force,omitempty"`
}

// UserAppRelation is one user-to-application edge in a relations payload.
// Token carries the space-joined scopes granted on that edge.
type UserAppRelation struct {
	AppName   string `json:"appName"`
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail"`
	Token     string `json:"token"`
}

// AppMapEntry pairs an application name with its persisted row id so the
// relations stage does not need to look names up again.
type AppMapEntry struct {
	AppName string `json:"appName"`
	AppID   string `json:"appId"`
}

// RelationsPayload is the second-stage request that persists the
// user-to-application graph for a sync job.
type RelationsPayload struct {
	OrganizationID   string            `json:"organizationId"`
	SyncJobID        string            `json:"syncJobId"`
	UserAppRelations []UserAppRelation `json:"userAppRelations"`
	AppMap           []AppMapEntry     `json:"appMap"`
}

// StatusResponse is what sync status pollers receive.
type StatusResponse struct {
	Status   string `json:"status"`
	Progress int32  `json:"progress"`
	Message  string `json:"message"`
}
