package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

const (
	SanctionKindMute = "mute"
	SanctionKindBan  = "ban"
	SanctionKindLock = "lock"

	SanctionStatusActive  = "active"
	SanctionStatusExpired = "expired"
	SanctionStatusRevoked = "revoked"

	CategorySpam    = "spam"
	CategoryContent = "content"
	CategoryRaid    = "raid"
	CategoryNuke    = "nuke"
	CategoryManual  = "manual"
)

type (
	// Subject identifies a user within a community. A zero UserID addresses
	// the community itself (raid infractions, community locks).
	Subject struct {
		CommunityID int64
		UserID      int64
	}

	CommunityConfig struct {
		ID        int64     `db:"id"`
		Settings  Settings  `db:"settings"`
		UpdatedAt time.Time `db:"updated_at"`
	}

	Infraction struct {
		ID          string    `db:"id"`
		CommunityID int64     `db:"community_id"`
		UserID      int64     `db:"user_id"`
		Category    string    `db:"category"`
		Weight      int       `db:"weight"`
		Reason      string    `db:"reason"`
		SanctionID  *string   `db:"sanction_id"`
		CreatedAt   time.Time `db:"created_at"`
	}

	Sanction struct {
		ID           string     `db:"id"`
		CommunityID  int64      `db:"community_id"`
		UserID       int64      `db:"user_id"`
		Kind         string     `db:"kind"`
		Reason       string     `db:"reason"`
		InfractionID *string    `db:"infraction_id"`
		IssuedAt     time.Time  `db:"issued_at"`
		ExpiresAt    *time.Time `db:"expires_at"`
		Status       string     `db:"status"`
		ResolvedAt   *time.Time `db:"resolved_at"`
	}
)

func (s Subject) String() string {
	return fmt.Sprintf("%d:%d", s.CommunityID, s.UserID)
}

func (s Subject) IsCommunity() bool {
	return s.UserID == 0
}

func (i *Infraction) Subject() Subject {
	return Subject{CommunityID: i.CommunityID, UserID: i.UserID}
}

func (s *Sanction) Subject() Subject {
	return Subject{CommunityID: s.CommunityID, UserID: s.UserID}
}

// Permanent reports whether the sanction has no scheduled expiry.
func (s *Sanction) Permanent() bool {
	return s.ExpiresAt == nil
}

func (s Settings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *Settings) Scan(v interface{}) error {
	if v == nil {
		return nil
	}
	switch data := v.(type) {
	case string:
		return json.Unmarshal([]byte(data), &s)
	case []byte:
		return json.Unmarshal(data, &s)
	default:
		return fmt.Errorf("cannot scan type %t into Settings", v)
	}
}
