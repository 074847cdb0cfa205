package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewJobID returns a fresh opaque job identifier.
func NewJobID() string { return uuid.NewString() }

// NewTrackingCode builds the human-readable code printed on receipts,
// e.g. "RD-20260830-4F2A1C". The prefix encodes the service category.
func NewTrackingCode(c ServiceCategory, now time.Time) string {
	prefix := "JB"
	switch c {
	case CategoryRide:
		prefix = "RD"
	case CategoryDelivery:
		prefix = "DL"
	case CategoryShopping:
		prefix = "SH"
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("%s-%s-%s", prefix, now.Format("20060102"), suffix)
}
