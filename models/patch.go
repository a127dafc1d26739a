// models/patch.go
package models

import "time"

// ParticipantPatch is a partial participant: any subset of the mutable fields.
// It is the payload of player_state_update broadcasts and of store writes.
type ParticipantPatch struct {
	PlayerID string `json:"player_id"`

	PositionX *float64 `json:"position_x,omitempty"`
	PositionY *float64 `json:"position_y,omitempty"`
	Rotation  *float64 `json:"rotation,omitempty"`
	VelocityX *float64 `json:"velocity_x,omitempty"`
	VelocityY *float64 `json:"velocity_y,omitempty"`

	Health         *int    `json:"health,omitempty"`
	IsAlive        *bool   `json:"is_alive,omitempty"`
	IsConnected    *bool   `json:"is_connected,omitempty"`
	EquippedWeapon *string `json:"equipped_weapon,omitempty"`
	EquippedArmor  *string `json:"equipped_armor,omitempty"`
	Kills          *int    `json:"kills,omitempty"`
	DamageDealt    *int    `json:"damage_dealt,omitempty"`

	// Store-only; never taken from a broadcast.
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// IsEmpty reports whether the patch carries no field at all.
func (p ParticipantPatch) IsEmpty() bool {
	return len(p.Columns()) == 0
}

// HasMovement reports whether any self-authoritative field is present.
func (p ParticipantPatch) HasMovement() bool {
	return p.PositionX != nil || p.PositionY != nil || p.Rotation != nil ||
		p.VelocityX != nil || p.VelocityY != nil
}

// Columns maps the present fields to their column names for a gorm Updates call.
func (p ParticipantPatch) Columns() map[string]any {
	cols := make(map[string]any)
	if p.PositionX != nil {
		cols["position_x"] = *p.PositionX
	}
	if p.PositionY != nil {
		cols["position_y"] = *p.PositionY
	}
	if p.Rotation != nil {
		cols["rotation"] = *p.Rotation
	}
	if p.VelocityX != nil {
		cols["velocity_x"] = *p.VelocityX
	}
	if p.VelocityY != nil {
		cols["velocity_y"] = *p.VelocityY
	}
	if p.Health != nil {
		cols["health"] = *p.Health
	}
	if p.IsAlive != nil {
		cols["is_alive"] = *p.IsAlive
	}
	if p.IsConnected != nil {
		cols["is_connected"] = *p.IsConnected
	}
	if p.EquippedWeapon != nil {
		cols["equipped_weapon"] = *p.EquippedWeapon
	}
	if p.EquippedArmor != nil {
		cols["equipped_armor"] = *p.EquippedArmor
	}
	if p.Kills != nil {
		cols["kills"] = *p.Kills
	}
	if p.DamageDealt != nil {
		cols["damage_dealt"] = *p.DamageDealt
	}
	if p.LastHeartbeat != nil {
		cols["last_heartbeat"] = *p.LastHeartbeat
	}
	return cols
}

// Merge overlays the fields present in next onto p (latest wins per field).
func (p ParticipantPatch) Merge(next ParticipantPatch) ParticipantPatch {
	out := p
	if next.PlayerID != "" {
		out.PlayerID = next.PlayerID
	}
	if next.PositionX != nil {
		out.PositionX = next.PositionX
	}
	if next.PositionY != nil {
		out.PositionY = next.PositionY
	}
	if next.Rotation != nil {
		out.Rotation = next.Rotation
	}
	if next.VelocityX != nil {
		out.VelocityX = next.VelocityX
	}
	if next.VelocityY != nil {
		out.VelocityY = next.VelocityY
	}
	if next.Health != nil {
		out.Health = next.Health
	}
	if next.IsAlive != nil {
		out.IsAlive = next.IsAlive
	}
	if next.IsConnected != nil {
		out.IsConnected = next.IsConnected
	}
	if next.EquippedWeapon != nil {
		out.EquippedWeapon = next.EquippedWeapon
	}
	if next.EquippedArmor != nil {
		out.EquippedArmor = next.EquippedArmor
	}
	if next.Kills != nil {
		out.Kills = next.Kills
	}
	if next.DamageDealt != nil {
		out.DamageDealt = next.DamageDealt
	}
	if next.LastHeartbeat != nil {
		out.LastHeartbeat = next.LastHeartbeat
	}
	return out
}

// Float returns a pointer to v; handy for building patches.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
