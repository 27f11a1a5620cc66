package models

// Window is a service counter. At most one patient occupies a window at a
// time; CurrentPatientID mirrors that patient's WindowID.
type Window struct {
	WindowID         string  `json:"window_id"`
	TenantID         string  `json:"tenant_id,omitempty"`
	Name             string  `json:"name"`
	Active           bool    `json:"active"`
	CurrentPatientID *string `json:"current_patient_id,omitempty"`
}
