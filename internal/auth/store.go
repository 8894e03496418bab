// Package auth defines the account model and the credential service that
// bounds and times out lookups against the account store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrAccountNotFound is returned by stores when no account matches.
var ErrAccountNotFound = errors.New("account not found")

// SecurityLevel is an account's privilege tier.
type SecurityLevel uint8

const (
	SecurityPlayer SecurityLevel = iota
	SecurityModerator
	SecurityGameMaster
	SecurityAdministrator
	SecurityConsole
)

var securityLevelStrings = map[SecurityLevel]string{
	SecurityPlayer:        "player",
	SecurityModerator:     "moderator",
	SecurityGameMaster:    "gamemaster",
	SecurityAdministrator: "administrator",
	SecurityConsole:       "console",
}

// String returns the lowercase level name.
func (s SecurityLevel) String() string {
	if str, ok := securityLevelStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("level_%d", uint8(s))
}

// MarshalJSON serializes SecurityLevel as a JSON string (e.g. "gamemaster").
func (s SecurityLevel) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ParseSecurityLevel accepts a level name or its number.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for level, name := range securityLevelStrings {
		if name == s || fmt.Sprint(uint8(level)) == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf("invalid security level %q", s)
}

// AccountRecord is what the credential store knows about an account.
// SharedSecret and SessionKey never leave the process.
type AccountRecord struct {
	ID           uint32        `json:"id"`
	Username     string        `json:"username"`
	SharedSecret []byte        `json:"-"`
	SessionKey   []byte        `json:"-"`
	Security     SecurityLevel `json:"security"`
	Expansion    uint8         `json:"expansion"`
	Banned       bool          `json:"banned"`
	LockedIP     string        `json:"locked_ip,omitempty"`
	LockCountry  string        `json:"lock_country,omitempty"`
}

// String omits key material.
func (a *AccountRecord) String() string {
	return fmt.Sprintf("account{id=%d user=%s security=%s}", a.ID, a.Username, a.Security)
}

// AccountStore is the persistent credential store.
type AccountStore interface {
	AccountByTicket(ctx context.Context, ticket string) (*AccountRecord, error)
	AccountByID(ctx context.Context, id uint32) (*AccountRecord, error)
	SaveSessionKey(ctx context.Context, id uint32, key []byte) error
	IsAddressBanned(ctx context.Context, ip string) (bool, error)
	CountryForAddress(ctx context.Context, ip string) (string, error)
}
