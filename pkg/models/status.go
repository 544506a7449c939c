package models

// Task statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusBlocked   = "blocked"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Agent states.
const (
	StateIdle     = "idle"
	StateMoving   = "moving"
	StateWaiting  = "waiting"
	StateCharging = "charging"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultEventListLimit      = 100
	DefaultSSEChannelBuffer    = 256
)
