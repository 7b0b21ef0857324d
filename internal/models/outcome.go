package models

// RenderedEmail is the persisted output of a successful render.
type RenderedEmail struct {
	HTML            string `json:"html"`
	Text            string `json:"text"`
	Subject         string `json:"subject"`
	CategoryID      string `json:"category_id"`
	IsTransactional bool   `json:"is_transactional"`
}

// RenderFailure carries the operator-facing and user-facing halves of a
// terminal render error.
type RenderFailure struct {
	ExternalMessage string `json:"external_message"`
	ExternalDetails string `json:"external_details"`
	InternalMessage string `json:"internal_message"`
	InternalDetails string `json:"internal_details"`
}

// SendFailure is the terminal error recorded when a transport call fails.
type SendFailure struct {
	ExternalMessage string `json:"external_message"`
	ExternalDetails string `json:"external_details"`
	InternalMessage string `json:"internal_message"`
	InternalDetails string `json:"internal_details"`
}
