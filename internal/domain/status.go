package domain

// DeliveryStatus is the per-device delivery state. Statuses form a lattice
// ordered queued < sent < delivered < read, with failed absorbing: updates
// that would move a row to an earlier stage are ignored. The protocol-level
// ack is tracked separately (Delivery.AckAt) because its ordering relative
// to delivered/read is not guaranteed by the transport.
type DeliveryStatus string

const (
	DeliveryQueued    DeliveryStatus = "queued"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

var statusRank = map[DeliveryStatus]int{
	DeliveryQueued:    0,
	DeliverySent:      1,
	DeliveryDelivered: 2,
	DeliveryRead:      3,
}

// Rank returns the lattice position of a non-failed status. Failed has no
// rank; it absorbs every transition instead.
func (s DeliveryStatus) Rank() int {
	return statusRank[s]
}

// Terminal reports whether no further status transition is allowed.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryRead || s == DeliveryFailed
}
