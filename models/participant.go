// models/participant.go
package models

import (
	"time"
)

const DefaultHealth = 100

// Participant is one player's (human or bot) row inside a session.
// ID is the store row id; PlayerID is the stable owner identity the replica is keyed by.
type Participant struct {
	ID        string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SessionID string `gorm:"type:varchar(36);not null;uniqueIndex:idx_participant_session_player" json:"session_id"`
	PlayerID  string `gorm:"type:varchar(64);not null;uniqueIndex:idx_participant_session_player" json:"player_id"`

	DisplayName string `gorm:"type:varchar(64);not null" json:"display_name"`
	IsHost      bool   `gorm:"not null" json:"is_host"`
	IsBot       bool   `gorm:"not null" json:"is_bot"`
	IsConnected bool   `gorm:"not null" json:"is_connected"`
	IsAlive     bool   `gorm:"not null" json:"is_alive"`

	// Movement (self-authoritative)
	PositionX float64 `json:"position_x"`
	PositionY float64 `json:"position_y"`
	Rotation  float64 `json:"rotation"`
	VelocityX float64 `json:"velocity_x"`
	VelocityY float64 `json:"velocity_y"`

	// Combat (host-authoritative)
	Health         int    `gorm:"not null" json:"health"`
	EquippedWeapon string `gorm:"type:varchar(64)" json:"equipped_weapon"`
	EquippedArmor  string `gorm:"type:varchar(64)" json:"equipped_armor"`
	Kills          int    `gorm:"not null" json:"kills"`
	DamageDealt    int    `gorm:"not null" json:"damage_dealt"`

	JoinedAt      time.Time `json:"joined_at"`
	LastHeartbeat time.Time `gorm:"index" json:"last_heartbeat"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// NewParticipant returns a live, connected participant with full health.
// Row ids are left to the store.
func NewParticipant(sessionID, playerID, displayName string, isHost bool, now time.Time) Participant {
	return Participant{
		SessionID:     sessionID,
		PlayerID:      playerID,
		DisplayName:   displayName,
		IsHost:        isHost,
		IsConnected:   true,
		IsAlive:       true,
		Health:        DefaultHealth,
		JoinedAt:      now,
		LastHeartbeat: now,
	}
}

// Movement returns the participant's current movement fields as a patch.
func (p Participant) Movement() ParticipantPatch {
	x, y, rot, vx, vy := p.PositionX, p.PositionY, p.Rotation, p.VelocityX, p.VelocityY
	return ParticipantPatch{
		PlayerID:  p.PlayerID,
		PositionX: &x,
		PositionY: &y,
		Rotation:  &rot,
		VelocityX: &vx,
		VelocityY: &vy,
	}
}

// Snapshot captures the current movement fields at ts (unix millis).
func (p Participant) Snapshot(ts int64) HistorySnapshot {
	return HistorySnapshot{
		X:         p.PositionX,
		Y:         p.PositionY,
		Rotation:  p.Rotation,
		VelocityX: p.VelocityX,
		VelocityY: p.VelocityY,
		Timestamp: ts,
	}
}
