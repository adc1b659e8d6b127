package types

import (
	"time"

	"github.com/google/uuid"
)

// NewConfigID generates a UUIDv7 configuration set identifier.
// Time-ordered IDs keep config_sets inserts clustered in B-tree pages.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewConfigID() ConfigID {
	return ConfigID(uuid.Must(uuid.NewV7()).String())
}

// ParseConfigID validates and converts a string to ConfigID.
// Rejects malformed UUIDs to prevent invalid IDs from entering the store.
func ParseConfigID(s string) (ConfigID, error) {
	_, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return ConfigID(s), nil
}

// ConfigIDTime extracts the creation timestamp embedded in a UUIDv7 ID.
// IDs of other versions (hand-written in a sensor file) carry no usable
// time and return zero; caller should check IsZero().
func ConfigIDTime(id ConfigID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil || u.Version() != 7 {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec).UTC()
}
