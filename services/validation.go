// services/validation.go
package services

import (
	"fmt"
	"math"
	"sync"
	"time"

	"session-sync/models"

	"golang.org/x/time/rate"
)

// Movement rejection reasons.
const (
	RejectEmpty         = "empty_update"
	RejectForeignTarget = "foreign_target"
	RejectNonFinite     = "non_finite"
	RejectOutOfBounds   = "out_of_bounds"
	RejectTeleport      = "teleport"
	RejectRateLimited   = "rate_limited"
)

// RejectionError is a movement update the host refused. It matches ErrValidationRejected.
type RejectionError struct {
	SenderID string
	Reason   string
	Detail   string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("movement from %s rejected: %s", e.SenderID, e.Reason)
	}
	return fmt.Sprintf("movement from %s rejected: %s (%s)", e.SenderID, e.Reason, e.Detail)
}

func (e *RejectionError) Unwrap() error { return ErrValidationRejected }

// MovementLimits bounds what the host accepts from a client.
type MovementLimits struct {
	WorldWidth  float64
	WorldHeight float64
	// MaxSpeed is in world units per second.
	MaxSpeed     float64
	TickInterval time.Duration
	// TeleportFactor is how many ticks of max movement one update may cover.
	TeleportFactor float64
	// MaxMessagesPerSecond and Burst rate-limit each sender.
	MaxMessagesPerSecond float64
	Burst                int
}

func DefaultMovementLimits() MovementLimits {
	return MovementLimits{
		WorldWidth:           2000,
		WorldHeight:          2000,
		MaxSpeed:             300,
		TickInterval:         DefaultTickInterval,
		TeleportFactor:       4,
		MaxMessagesPerSecond: 30,
		Burst:                10,
	}
}

// MaxDisplacement is the largest distance accepted between two updates from one sender.
func (l MovementLimits) MaxDisplacement() float64 {
	return l.MaxSpeed * l.TickInterval.Seconds() * l.TeleportFactor
}

type point struct{ x, y float64 }

// MovementValidator checks client movement on the host side.
type MovementValidator struct {
	limits MovementLimits

	mu        sync.Mutex
	lastKnown map[string]point
	limiters  map[string]*rate.Limiter
}

func NewMovementValidator(limits MovementLimits) *MovementValidator {
	def := DefaultMovementLimits()
	if limits.WorldWidth <= 0 {
		limits.WorldWidth = def.WorldWidth
	}
	if limits.WorldHeight <= 0 {
		limits.WorldHeight = def.WorldHeight
	}
	if limits.MaxSpeed <= 0 {
		limits.MaxSpeed = def.MaxSpeed
	}
	if limits.TickInterval <= 0 {
		limits.TickInterval = def.TickInterval
	}
	if limits.TeleportFactor <= 0 {
		limits.TeleportFactor = def.TeleportFactor
	}
	if limits.MaxMessagesPerSecond <= 0 {
		limits.MaxMessagesPerSecond = def.MaxMessagesPerSecond
	}
	if limits.Burst <= 0 {
		limits.Burst = def.Burst
	}
	return &MovementValidator{
		limits:    limits,
		lastKnown: make(map[string]point),
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (v *MovementValidator) Limits() MovementLimits { return v.limits }

// Seed records a known position for a sender, e.g. its row when it joined.
func (v *MovementValidator) Seed(playerID string, x, y float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastKnown[playerID] = point{x, y}
}

// SeedIfUnknown records x, y only when the sender has no known position yet.
// Reports whether it did.
func (v *MovementValidator) SeedIfUnknown(playerID string, x, y float64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.lastKnown[playerID]; ok {
		return false
	}
	v.lastKnown[playerID] = point{x, y}
	return true
}

// Forget drops every record of a sender.
func (v *MovementValidator) Forget(playerID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.lastKnown, playerID)
	delete(v.limiters, playerID)
}

// Validate accepts or rejects a movement patch sent by senderID at now.
// Accepted updates become the sender's new last known position.
func (v *MovementValidator) Validate(senderID string, patch models.ParticipantPatch, now time.Time) error {
	reject := func(reason, detail string) error {
		return &RejectionError{SenderID: senderID, Reason: reason, Detail: detail}
	}

	if !patch.HasMovement() {
		return reject(RejectEmpty, "")
	}
	if patch.PlayerID != senderID {
		return reject(RejectForeignTarget, patch.PlayerID)
	}
	for name, f := range map[string]*float64{
		"position_x": patch.PositionX,
		"position_y": patch.PositionY,
		"rotation":   patch.Rotation,
		"velocity_x": patch.VelocityX,
		"velocity_y": patch.VelocityY,
	} {
		if f != nil && (math.IsNaN(*f) || math.IsInf(*f, 0)) {
			return reject(RejectNonFinite, name)
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	limiter, ok := v.limiters[senderID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(v.limits.MaxMessagesPerSecond), v.limits.Burst)
		v.limiters[senderID] = limiter
	}

	hasX, hasY := patch.PositionX != nil, patch.PositionY != nil
	if !hasX && !hasY {
		// rotation/velocity only
		if !limiter.AllowN(now, 1) {
			return reject(RejectRateLimited, "")
		}
		return nil
	}

	last, known := v.lastKnown[senderID]
	if !known && hasX != hasY {
		return reject(RejectOutOfBounds, "partial position without a known origin")
	}
	next := last
	if hasX {
		next.x = *patch.PositionX
	}
	if hasY {
		next.y = *patch.PositionY
	}
	if next.x < 0 || next.x > v.limits.WorldWidth || next.y < 0 || next.y > v.limits.WorldHeight {
		return reject(RejectOutOfBounds, fmt.Sprintf("(%.1f, %.1f)", next.x, next.y))
	}
	if known {
		if d := math.Hypot(next.x-last.x, next.y-last.y); d > v.limits.MaxDisplacement() {
			return reject(RejectTeleport, fmt.Sprintf("moved %.1f, max %.1f", d, v.limits.MaxDisplacement()))
		}
	}
	if !limiter.AllowN(now, 1) {
		return reject(RejectRateLimited, "")
	}

	v.lastKnown[senderID] = next
	return nil
}
