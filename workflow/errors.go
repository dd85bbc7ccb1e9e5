package workflow

import "errors"

var (
	// ErrVendorRejected means the vendor answered and refused the order.
	// The order is back in PENDING and may be submitted again.
	ErrVendorRejected = errors.New("vendor rejected order")
	// ErrVendorUnreachable means the vendor could not be asked, or its answer
	// could not be read.
	ErrVendorUnreachable = errors.New("vendor unreachable")
	// ErrSubmissionUncertain blocks resubmission of an order whose previous
	// submission outcome is unknown until an operator clears it.
	ErrSubmissionUncertain = errors.New("previous submission outcome unknown")
	// ErrEDCWritebackFailed marks a failed write to the EDC. The order state
	// is kept.
	ErrEDCWritebackFailed = errors.New("edc writeback failed")
	ErrEDCUnreachable     = errors.New("edc unreachable")
	ErrRunInProgress      = errors.New("confirmation check already running")
)
