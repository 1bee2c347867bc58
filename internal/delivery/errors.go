package delivery

import "errors"

var (
	ErrDeliveryNotFound = errors.New("delivery: not found")
	ErrInvalidReceipt   = errors.New("delivery: unknown receipt kind")
)

// ReasonRetryLimit is the failure reason recorded when a delivery exhausts
// its redispatch attempts.
const ReasonRetryLimit = "retry limit exceeded"
