// internal/loan/domain.go
package loan

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnsupportedOp = errors.New("unsupported op (BORROW/RETURN/RENEW)")
	ErrBadTimestamp  = errors.New("invalid timestamp")
)

// TimeLayout is the wire format of every timestamp exchanged between processes.
const TimeLayout = "2006-01-02T15:04:05Z"

const (
	DefaultLoanDays  = 14
	DefaultRenewDays = 7
)

// Kind is the operation kind carried by every request.
type Kind string

const (
	Borrow Kind = "BORROW"
	Return Kind = "RETURN"
	Renew  Kind = "RENEW"
)

// Older producers still send the Spanish names.
var legacyKinds = map[string]Kind{
	"PRESTAMO":   Borrow,
	"DEVOLUCION": Return,
	"RENOVACION": Renew,
}

// ParseKind maps a wire op name onto a Kind, case-insensitively.
func ParseKind(s string) (Kind, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	switch Kind(name) {
	case Borrow, Return, Renew:
		return Kind(name), nil
	}
	if k, ok := legacyKinds[name]; ok {
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedOp, s)
}

// Topic is the stream label consumers subscribe to for this kind.
func (k Kind) Topic() string { return string(k) }

// State is the lifecycle state of a loan.
type State string

const (
	StateActive   State = "ACTIVE"
	StateReturned State = "RETURNED"
)

// Item is a catalogued title at one branch.
type Item struct {
	ItemID    string `json:"idLibro" db:"item_id"`
	BranchID  string `json:"sede" db:"branch_id"`
	Title     string `json:"titulo,omitempty" db:"title"`
	Total     int    `json:"ejemplares_totales" db:"total_copies"`
	Available int    `json:"ejemplares_disponibles" db:"available_copies"`
}

// Loan is one lending of an item to a user.
type Loan struct {
	ID         int64      `json:"idPrestamo" db:"loan_id"`
	RequestID  string     `json:"idSolicitud" db:"request_id"`
	UserID     string     `json:"idUsuario" db:"user_id"`
	ItemID     string     `json:"idLibro" db:"item_id"`
	BranchID   string     `json:"sede" db:"branch_id"`
	StartedAt  time.Time  `json:"fecha_prestamo" db:"started_at"`
	DueAt      time.Time  `json:"fecha_entrega" db:"due_at"`
	ReturnedAt *time.Time `json:"fecha_devolucion,omitempty" db:"returned_at"`
	State      State      `json:"estado" db:"state"`
}

// LedgerEntry records that an idempotency key has been applied.
type LedgerEntry struct {
	Key       string    `db:"idempotency_key"`
	Op        string    `db:"op"`
	RequestID string    `db:"request_id"`
	AppliedAt time.Time `db:"applied_at"`
}

// Result is the response every component hands back to its caller.
type Result struct {
	OK      bool   `json:"ok"`
	Msg     string `json:"msg"`
	DueDate string `json:"fecha_entrega,omitempty"`
	LoanID  int64  `json:"idPrestamo,omitempty"`
}

// Done builds a successful result.
func Done(format string, args ...interface{}) Result {
	return Result{OK: true, Msg: fmt.Sprintf(format, args...)}
}

// Fail builds a failed result.
func Fail(format string, args ...interface{}) Result {
	return Result{OK: false, Msg: fmt.Sprintf(format, args...)}
}

// FormatTime renders t in the wire layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts the wire layout and any other RFC3339 form.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrBadTimestamp, s, err)
	}
	return t.UTC(), nil
}
