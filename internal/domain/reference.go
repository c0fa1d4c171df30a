package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	FundingPrefix    = "FND"
	TransferPrefix   = "TRF"
	WithdrawalPrefix = "WTH"

	// RecipientPrefix marks the credit leg of a transfer, both in its
	// reference and its idempotency key.
	RecipientPrefix = "rcv_"
)

// NewReference returns a human-visible, globally unique reference such as
// TRF_1718000000000_3f2a...
func NewReference(prefix string, now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), id)
}

// ReferencePrefix maps a category to its reference prefix.
func ReferencePrefix(c Category) string {
	switch c {
	case Funding:
		return FundingPrefix
	case Withdrawal:
		return WithdrawalPrefix
	default:
		return TransferPrefix
	}
}
