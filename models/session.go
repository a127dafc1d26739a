// models/session.go
package models

// SessionStatus tracks where a match is in its lifecycle.
type SessionStatus string

const (
	SessionStatusLobby  SessionStatus = "lobby"
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

const DefaultSessionCapacity = 12

// Session is one multiplayer match/lobby, addressed by its join code.
type Session struct {
	ID          string        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	JoinCode    string        `gorm:"type:varchar(16);uniqueIndex;not null" json:"join_code"`
	HostID      string        `gorm:"type:varchar(64);index;not null" json:"host_id"`
	Status      SessionStatus `gorm:"type:varchar(16);not null;default:'lobby'" json:"status"`
	Capacity    int           `gorm:"not null;default:12" json:"capacity"`
	ChannelName string        `gorm:"type:varchar(64);not null" json:"channel_name"`

	Timestamps
}

// IsJoinable reports whether new participants may still enter the session.
func (s *Session) IsJoinable() bool {
	return s != nil && s.Status == SessionStatusLobby
}
