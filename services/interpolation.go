// services/interpolation.go
package services

import (
	"math"
	"time"

	"session-sync/models"
)

const DefaultInterpolationDelay = 100 * time.Millisecond

// InterpolatedState is the render-time pose of one participant.
type InterpolatedState struct {
	PlayerID  string  `json:"player_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Rotation  float64 `json:"rotation"`
	VelocityX float64 `json:"velocity_x"`
	VelocityY float64 `json:"velocity_y"`
	// Timestamp is the sample time the pose corresponds to (unix millis).
	Timestamp int64 `json:"timestamp"`
}

// Interpolate samples history at renderTimestamp - delay. history must be
// ordered by increasing timestamp. With no history the participant's current
// fields are returned; outside the buffered range the nearest end is returned.
func Interpolate(history []models.HistorySnapshot, current models.Participant, renderTimestamp int64, delay time.Duration) InterpolatedState {
	target := renderTimestamp - delay.Milliseconds()

	if len(history) == 0 {
		return InterpolatedState{
			PlayerID:  current.PlayerID,
			X:         current.PositionX,
			Y:         current.PositionY,
			Rotation:  current.Rotation,
			VelocityX: current.VelocityX,
			VelocityY: current.VelocityY,
			Timestamp: target,
		}
	}

	oldest, newest := history[0], history[len(history)-1]
	if target <= oldest.Timestamp {
		return fromSnapshot(current.PlayerID, oldest)
	}
	if target >= newest.Timestamp {
		return fromSnapshot(current.PlayerID, newest)
	}

	for i := 0; i < len(history)-1; i++ {
		s0, s1 := history[i], history[i+1]
		if s0.Timestamp <= target && target <= s1.Timestamp {
			span := float64(s1.Timestamp - s0.Timestamp)
			t := 0.0
			if span > 0 {
				t = float64(target-s0.Timestamp) / span
			}
			return InterpolatedState{
				PlayerID:  current.PlayerID,
				X:         lerp(s0.X, s1.X, t),
				Y:         lerp(s0.Y, s1.Y, t),
				Rotation:  lerpAngle(s0.Rotation, s1.Rotation, t),
				VelocityX: lerp(s0.VelocityX, s1.VelocityX, t),
				VelocityY: lerp(s0.VelocityY, s1.VelocityY, t),
				Timestamp: target,
			}
		}
	}
	return fromSnapshot(current.PlayerID, newest)
}

func fromSnapshot(playerID string, s models.HistorySnapshot) InterpolatedState {
	return InterpolatedState{
		PlayerID:  playerID,
		X:         s.X,
		Y:         s.Y,
		Rotation:  s.Rotation,
		VelocityX: s.VelocityX,
		VelocityY: s.VelocityY,
		Timestamp: s.Timestamp,
	}
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// lerpAngle blends along the shortest arc so 350° → 10° passes through 0°.
func lerpAngle(a, b, t float64) float64 {
	r := math.Mod(a+wrapAngle(b-a)*t, 2*math.Pi)
	if r < 0 {
		r += 2 * math.Pi
	}
	return r
}

// wrapAngle maps d into (-π, π].
func wrapAngle(d float64) float64 {
	d = math.Mod(d, 2*math.Pi)
	if d <= -math.Pi {
		d += 2 * math.Pi
	} else if d > math.Pi {
		d -= 2 * math.Pi
	}
	return d
}
