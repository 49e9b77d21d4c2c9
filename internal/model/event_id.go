package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DeriveEventID computes the deterministic event id.
// Formula: SHA256(submitter|direction|venue_hint|asset|amount|decimals|sequence)
// Returns hex-encoded hash (64 characters). Timestamps are excluded so a
// retried submission reproduces the same id.
func DeriveEventID(e *WreckageEvent) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%d",
		e.Submitter,
		e.Direction,
		e.VenueHint,
		e.Asset,
		e.Amount.String(),
		e.Decimals,
		e.Sequence,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
