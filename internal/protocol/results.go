package protocol

import "fmt"

// AuthResult is the result code carried by SMSG_AUTH_RESPONSE.
type AuthResult uint32

const (
	AuthOK                 AuthResult = 12
	AuthFailed             AuthResult = 13
	AuthReject             AuthResult = 14 // Privilege below realm requirement
	AuthUnavailable        AuthResult = 16 // Realm closed for logins
	AuthSystemError        AuthResult = 17 // Credential store failure or timeout
	AuthVersionMismatch    AuthResult = 20
	AuthUnknownAccount     AuthResult = 21
	AuthIncorrectPassword  AuthResult = 22 // Digest did not verify
	AuthSessionExpired     AuthResult = 23
	AuthServerShuttingDown AuthResult = 24
	AuthBanned             AuthResult = 28
	AuthLockedEnforced     AuthResult = 34 // IP or country lock
)

var authResultNames = map[AuthResult]string{
	AuthOK:                 "ok",
	AuthFailed:             "failed",
	AuthReject:             "reject",
	AuthUnavailable:        "unavailable",
	AuthSystemError:        "system_error",
	AuthVersionMismatch:    "version_mismatch",
	AuthUnknownAccount:     "unknown_account",
	AuthIncorrectPassword:  "incorrect_password",
	AuthSessionExpired:     "session_expired",
	AuthServerShuttingDown: "server_shutting_down",
	AuthBanned:             "banned",
	AuthLockedEnforced:     "locked_enforced",
}

// String returns the lowercase result name.
func (r AuthResult) String() string {
	if name, ok := authResultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("result_%d", uint32(r))
}

// MarshalJSON serializes AuthResult as a JSON string (e.g. "banned").
func (r AuthResult) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}
