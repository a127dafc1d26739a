// models/updates.go
package models

// AuthorityClass says who may change a field through a broadcast.
type AuthorityClass string

const (
	// AuthorityHost fields change only from the host (or from store rows).
	AuthorityHost AuthorityClass = "host"
	// AuthoritySelf fields change from the owning participant or the host.
	AuthoritySelf AuthorityClass = "self"
)

// Update is the closed set of broadcast mutations. The merge step switches over
// the concrete types; new variants must be added there as well.
type Update interface {
	Target() string
	Authority() AuthorityClass
	isUpdate()
}

// MovementUpdate carries position, rotation and velocity.
type MovementUpdate struct {
	PlayerID  string
	PositionX *float64
	PositionY *float64
	Rotation  *float64
	VelocityX *float64
	VelocityY *float64
}

// HealthUpdate carries health and the alive flag.
type HealthUpdate struct {
	PlayerID string
	Health   *int
	IsAlive  *bool
}

// EquipmentUpdate carries the equipped weapon and armor.
type EquipmentUpdate struct {
	PlayerID string
	Weapon   *string
	Armor    *string
}

// StatsUpdate carries match statistics.
type StatsUpdate struct {
	PlayerID    string
	Kills       *int
	DamageDealt *int
}

// PresenceUpdate carries the connection flag.
type PresenceUpdate struct {
	PlayerID    string
	IsConnected *bool
}

// BatchUpdate is an ordered list of updates from one message.
type BatchUpdate struct {
	Updates []Update
}

func (u MovementUpdate) Target() string  { return u.PlayerID }
func (u HealthUpdate) Target() string    { return u.PlayerID }
func (u EquipmentUpdate) Target() string { return u.PlayerID }
func (u StatsUpdate) Target() string     { return u.PlayerID }
func (u PresenceUpdate) Target() string  { return u.PlayerID }
func (u BatchUpdate) Target() string     { return "" }

func (MovementUpdate) Authority() AuthorityClass  { return AuthoritySelf }
func (HealthUpdate) Authority() AuthorityClass    { return AuthorityHost }
func (EquipmentUpdate) Authority() AuthorityClass { return AuthorityHost }
func (StatsUpdate) Authority() AuthorityClass     { return AuthorityHost }
func (PresenceUpdate) Authority() AuthorityClass  { return AuthorityHost }
func (BatchUpdate) Authority() AuthorityClass     { return AuthorityHost }

func (MovementUpdate) isUpdate()  {}
func (HealthUpdate) isUpdate()    {}
func (EquipmentUpdate) isUpdate() {}
func (StatsUpdate) isUpdate()     {}
func (PresenceUpdate) isUpdate()  {}
func (BatchUpdate) isUpdate()     {}

// Split classifies a partial into its tagged variants, dropping empty groups.
// Store-only fields (last_heartbeat) are never carried over.
func (p ParticipantPatch) Split() []Update {
	var out []Update
	if p.HasMovement() {
		out = append(out, MovementUpdate{
			PlayerID:  p.PlayerID,
			PositionX: p.PositionX,
			PositionY: p.PositionY,
			Rotation:  p.Rotation,
			VelocityX: p.VelocityX,
			VelocityY: p.VelocityY,
		})
	}
	if p.Health != nil || p.IsAlive != nil {
		out = append(out, HealthUpdate{PlayerID: p.PlayerID, Health: p.Health, IsAlive: p.IsAlive})
	}
	if p.EquippedWeapon != nil || p.EquippedArmor != nil {
		out = append(out, EquipmentUpdate{PlayerID: p.PlayerID, Weapon: p.EquippedWeapon, Armor: p.EquippedArmor})
	}
	if p.Kills != nil || p.DamageDealt != nil {
		out = append(out, StatsUpdate{PlayerID: p.PlayerID, Kills: p.Kills, DamageDealt: p.DamageDealt})
	}
	if p.IsConnected != nil {
		out = append(out, PresenceUpdate{PlayerID: p.PlayerID, IsConnected: p.IsConnected})
	}
	return out
}

// NewBatchUpdate splits every partial in order and wraps the result.
func NewBatchUpdate(patches []ParticipantPatch) BatchUpdate {
	batch := BatchUpdate{}
	for _, p := range patches {
		batch.Updates = append(batch.Updates, p.Split()...)
	}
	return batch
}

// Apply writes the movement fields present in u onto p.
func (u MovementUpdate) Apply(p *Participant) {
	if u.PositionX != nil {
		p.PositionX = *u.PositionX
	}
	if u.PositionY != nil {
		p.PositionY = *u.PositionY
	}
	if u.Rotation != nil {
		p.Rotation = *u.Rotation
	}
	if u.VelocityX != nil {
		p.VelocityX = *u.VelocityX
	}
	if u.VelocityY != nil {
		p.VelocityY = *u.VelocityY
	}
}

func (u HealthUpdate) Apply(p *Participant) {
	if u.Health != nil {
		p.Health = *u.Health
	}
	if u.IsAlive != nil {
		p.IsAlive = *u.IsAlive
	}
}

func (u EquipmentUpdate) Apply(p *Participant) {
	if u.Weapon != nil {
		p.EquippedWeapon = *u.Weapon
	}
	if u.Armor != nil {
		p.EquippedArmor = *u.Armor
	}
}

func (u StatsUpdate) Apply(p *Participant) {
	if u.Kills != nil {
		p.Kills = *u.Kills
	}
	if u.DamageDealt != nil {
		p.DamageDealt = *u.DamageDealt
	}
}

func (u PresenceUpdate) Apply(p *Participant) {
	if u.IsConnected != nil {
		p.IsConnected = *u.IsConnected
	}
}

// HostFields lists the columns each host-authoritative variant touches.
func (u HealthUpdate) HostFields() []string {
	var out []string
	if u.Health != nil {
		out = append(out, "health")
	}
	if u.IsAlive != nil {
		out = append(out, "is_alive")
	}
	return out
}

func (u EquipmentUpdate) HostFields() []string {
	var out []string
	if u.Weapon != nil {
		out = append(out, "equipped_weapon")
	}
	if u.Armor != nil {
		out = append(out, "equipped_armor")
	}
	return out
}

func (u StatsUpdate) HostFields() []string {
	var out []string
	if u.Kills != nil {
		out = append(out, "kills")
	}
	if u.DamageDealt != nil {
		out = append(out, "damage_dealt")
	}
	return out
}

func (u PresenceUpdate) HostFields() []string {
	if u.IsConnected == nil {
		return nil
	}
	return []string{"is_connected"}
}

// CopyHostField copies one host-authoritative column value from src to dst.
func CopyHostField(dst *Participant, src Participant, field string) {
	switch field {
	case "health":
		dst.Health = src.Health
	case "is_alive":
		dst.IsAlive = src.IsAlive
	case "is_connected":
		dst.IsConnected = src.IsConnected
	case "equipped_weapon":
		dst.EquippedWeapon = src.EquippedWeapon
	case "equipped_armor":
		dst.EquippedArmor = src.EquippedArmor
	case "kills":
		dst.Kills = src.Kills
	case "damage_dealt":
		dst.DamageDealt = src.DamageDealt
	}
}

// MovementEqual reports whether a and b hold the same self-authoritative values.
func MovementEqual(a, b Participant) bool {
	return a.PositionX == b.PositionX &&
		a.PositionY == b.PositionY &&
		a.Rotation == b.Rotation &&
		a.VelocityX == b.VelocityX &&
		a.VelocityY == b.VelocityY
}

// CopyMovement copies the self-authoritative fields from src to dst.
func CopyMovement(dst *Participant, src Participant) {
	dst.PositionX = src.PositionX
	dst.PositionY = src.PositionY
	dst.Rotation = src.Rotation
	dst.VelocityX = src.VelocityX
	dst.VelocityY = src.VelocityY
}

// HostFieldEqual reports whether a and b hold the same value for one
// host-authoritative column.
func HostFieldEqual(a, b Participant, field string) bool {
	switch field {
	case "health":
		return a.Health == b.Health
	case "is_alive":
		return a.IsAlive == b.IsAlive
	case "is_connected":
		return a.IsConnected == b.IsConnected
	case "equipped_weapon":
		return a.EquippedWeapon == b.EquippedWeapon
	case "equipped_armor":
		return a.EquippedArmor == b.EquippedArmor
	case "kills":
		return a.Kills == b.Kills
	case "damage_dealt":
		return a.DamageDealt == b.DamageDealt
	}
	return false
}
