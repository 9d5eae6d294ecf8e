package billing

// ChangePlanRequest asks to move the user to a target plan. Interval
// defaults to monthly.
type ChangePlanRequest struct {
	PlanID   string `json:"plan_id" binding:"required"`
	Interval string `json:"interval" binding:"omitempty,oneof=monthly yearly"`
}

// PreviewChangeRequest mirrors ChangePlanRequest for the dry-run
// endpoint.
type PreviewChangeRequest struct {
	PlanID   string `json:"plan_id" binding:"required"`
	Interval string `json:"interval" binding:"omitempty,oneof=monthly yearly"`
}
