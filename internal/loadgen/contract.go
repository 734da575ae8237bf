// internal/loadgen/contract.go
package loadgen

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"libradispatch/internal/loan"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

var ErrInvalidRequest = errors.New("invalid request")

var validate = validator.New()

// EnsureContract fills the fields every client request must carry: request id,
// timestamp and idempotency key. Fields already present are kept.
func EnsureContract(op *loan.Operation, now time.Time) error {
	if _, err := loan.ParseKind(op.Op); err != nil {
		return fmt.Errorf("%w: op %q", ErrInvalidRequest, op.Op)
	}
	if err := validate.Struct(op); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if op.RequestID == "" {
		op.RequestID = "S-" + uuid.NewString()
	}
	if op.Timestamp == "" {
		op.Timestamp = loan.FormatTime(now)
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = IdempotencyKey(op.Op, op.RequestID, op.ItemID)
	}
	return nil
}

// IdempotencyKey derives a stable 16 hex character key for one logical request.
func IdempotencyKey(op, requestID, itemID string) string {
	sum := blake2b.Sum256([]byte(op + ":" + requestID + ":" + itemID))
	return hex.EncodeToString(sum[:])[:16]
}
