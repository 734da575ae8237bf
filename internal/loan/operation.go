// internal/loan/operation.go
package loan

import (
	"time"
)

// Operation is the request body shared by clients, the gateway, the handlers and storage.
type Operation struct {
	Op             string `json:"op" validate:"required"`
	RequestID      string `json:"idSolicitud,omitempty"`
	UserID         string `json:"idUsuario" validate:"required"`
	ItemID         string `json:"idLibro" validate:"required"`
	BranchID       string `json:"sede" validate:"required"`
	Timestamp      string `json:"timestamp,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Days           *int   `json:"dias,omitempty" validate:"omitempty,gte=0"`
	NewDueDate     string `json:"nuevaFechaEntrega,omitempty"`
}

// Kind parses the op field.
func (o Operation) Kind() (Kind, error) {
	return ParseKind(o.Op)
}

// EffectiveKey returns the idempotency key, falling back to one derived from the op,
// the request id and the item. The fallback collides when a request id is reused
// for the same op on the same item.
func (o Operation) EffectiveKey() string {
	if o.IdempotencyKey != "" {
		return o.IdempotencyKey
	}
	op := o.Op
	if k, err := o.Kind(); err == nil {
		op = string(k)
	}
	return "NOIDEMP-" + op + "-" + o.requestIDOrUnknown() + "-" + o.ItemID
}

func (o Operation) requestIDOrUnknown() string {
	if o.RequestID == "" {
		return "?"
	}
	return o.RequestID
}

// LoanDays is the requested loan length for a BORROW.
func (o Operation) LoanDays() int {
	if o.Days == nil {
		return DefaultLoanDays
	}
	return *o.Days
}

// At returns the parsed op timestamp, or now when it is absent.
// A present but malformed timestamp is an error.
func (o Operation) At(now time.Time) (time.Time, error) {
	if o.Timestamp == "" {
		return now.UTC(), nil
	}
	return ParseTime(o.Timestamp)
}

// AtOrNow returns the parsed op timestamp, or now when it is absent or malformed.
func (o Operation) AtOrNow(now time.Time) time.Time {
	t, err := o.At(now)
	if err != nil {
		return now.UTC()
	}
	return t
}
