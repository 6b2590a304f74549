package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"calsync/internal/models"
)

// ContentHash digests the mutable booking fields. Strings are trimmed, status
// is compared case-insensitively and times are normalized to UTC, so the same
// booking read twice hashes identically regardless of representation.
func ContentHash(f models.BookingFields) string {
	var price any
	if f.Price.Valid {
		price = f.Price.Cents
	}
	// encoding/json writes map keys in sorted order
	canonical := map[string]any{
		"name":       strings.TrimSpace(f.Name),
		"start_time": f.StartTime.UTC().Format(time.RFC3339Nano),
		"end_time":   f.EndTime.UTC().Format(time.RFC3339Nano),
		"studio":     strings.TrimSpace(f.Studio),
		"location":   strings.TrimSpace(f.Location),
		"status":     strings.ToLower(strings.TrimSpace(f.Status)),
		"price":      price,
	}
	raw, err := json.Marshal(canonical)
	if err != nil {
		// only reachable with unsupported value types, which the map never holds
		panic(err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
