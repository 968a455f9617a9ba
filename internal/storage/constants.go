package db

import "time"

// Delivery status constants.
const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
)

// Priority tiers, highest urgency first.
const (
	PriorityP0 = "P0"
	PriorityP1 = "P1"
	PriorityP2 = "P2"
)

// Database connection constants.
const (
	connectionRetrySleep = 2 * time.Second
	maxConnectionRetries = 10
	migrationLockID      = 1000
)
