package messaging

// Message types.
const (
	// UI -> core
	TypeEnqueueJob   = "enqueue-job"
	TypePrintMerged  = "print-merged"
	TypeProcessNow   = "process-now"
	TypeQueueSummary = "queue-summary"

	// core -> page
	TypeOpenOrder = "open-order-and-automate"

	// page -> core
	TypeExpectCapture = "expect-capture"
	TypeCandidateURL  = "candidate-url"
)

// EnqueueJob asks for a label for one account.
type EnqueueJob struct {
	ID        string `json:"id,omitempty"`
	Source    string `json:"source" validate:"required"`
	OrderHint string `json:"orderHint,omitempty"`
}

// OpenOrder asks the page to open an order and trigger label generation.
type OpenOrder struct {
	OrderID   string `json:"orderId" validate:"required"`
	OrderHint string `json:"orderHint,omitempty"`
}

// ExpectCapture announces that the sending tab is about to produce a label.
type ExpectCapture struct {
	OrderID string `json:"orderId" validate:"required"`
}

// CandidateURL reports a URL the page believes may be the label.
type CandidateURL struct {
	URL    string `json:"url" validate:"required"`
	Origin string `json:"origin,omitempty"`
}
