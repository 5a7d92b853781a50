package security

import "time"

type TokenClaims struct {
	UserID  string
	Role    string
	Ver     int64
	Exp     time.Time
	Issuer  string
	Subject string
}

func (c TokenClaims) IsAdmin() bool { return c.Role == "admin" }
