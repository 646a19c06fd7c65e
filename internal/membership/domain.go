package membership

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/calendar"
)

// Duration is a membership plan length.
type Duration string

const (
	SixMonths Duration = "6_MONTHS"
	OneYear   Duration = "1_YEAR"
	TwoYears  Duration = "2_YEARS"
)

var planMonths = map[Duration]int{
	SixMonths: 6,
	OneYear:   12,
	TwoYears:  24,
}

// Months returns the plan length in calendar months.
func (d Duration) Months() (int, bool) {
	m, ok := planMonths[d]
	return m, ok
}

type Status string

const (
	Active    Status = "active"
	Expired   Status = "expired"
	Cancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	return s == Active || s == Expired || s == Cancelled
}

// Action selects what RenewOrCancel does.
type Action string

const (
	Extend Action = "EXTEND"
	Cancel Action = "CANCEL"
)

type Contact struct {
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Address string `json:"address"`
}

// Membership is a holder's validity window.
type Membership struct {
	ID           uuid.UUID `json:"id"`
	MembershipNo string    `json:"membership_no"`
	HolderID     uuid.UUID `json:"holder_id"`
	MemberName   string    `json:"member_name"`
	Contact      Contact   `json:"contact"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
	Duration     Duration  `json:"duration"`
	Status       Status    `json:"status"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EffectiveStatus is the stored status, except that an active membership
// whose end date has passed reads as expired.
func (m Membership) EffectiveStatus(today time.Time) Status {
	if m.Status == Active && calendar.Day(m.EndDate).Before(calendar.Day(today)) {
		return Expired
	}
	return m.Status
}

// ValidOn reports whether the holder may borrow on the given day.
func (m Membership) ValidOn(today time.Time) bool {
	return m.EffectiveStatus(today) == Active
}

// RenewedEndDate extends from whichever is later, today or the current end.
func RenewedEndDate(today, end time.Time, d Duration) (time.Time, error) {
	months, ok := d.Months()
	if !ok {
		return time.Time{}, apperr.Validation("membership.Renew", "unknown duration %q", d)
	}
	return calendar.AddMonths(calendar.Max(today, end), months), nil
}

// NewMembership holds the fields accepted at registration.
type NewMembership struct {
	MembershipNo string    `json:"membership_no"`
	HolderID     uuid.UUID `json:"holder_id"`
	MemberName   string    `json:"member_name"`
	Contact      Contact   `json:"contact"`
	Duration     Duration  `json:"duration"`
}

func (n *NewMembership) normalize() {
	n.MembershipNo = strings.TrimSpace(n.MembershipNo)
	n.MemberName = strings.TrimSpace(n.MemberName)
	n.Contact.Phone = strings.TrimSpace(n.Contact.Phone)
	n.Contact.Email = strings.TrimSpace(n.Contact.Email)
	n.Contact.Address = strings.TrimSpace(n.Contact.Address)
}

func (n NewMembership) validate() error {
	const op = "membership.CreateMembership"
	switch {
	case n.MembershipNo == "":
		return apperr.Validation(op, "membership number is required")
	case n.HolderID == uuid.Nil:
		return apperr.Validation(op, "holder is required")
	case n.MemberName == "":
		return apperr.Validation(op, "member name is required")
	}
	if _, ok := n.Duration.Months(); !ok {
		return apperr.Validation(op, "unknown duration %q", n.Duration)
	}
	return nil
}

type ListFilter struct {
	HolderID uuid.UUID
	Status   Status
}

// Event payloads recorded in the event log.

type CreatedEvent struct {
	ID           uuid.UUID `json:"id"`
	MembershipNo string    `json:"membership_no"`
	HolderID     uuid.UUID `json:"holder_id"`
	StartDate    string    `json:"start_date"`
	EndDate      string    `json:"end_date"`
	Duration     Duration  `json:"duration"`
}

type RenewedEvent struct {
	ID          uuid.UUID `json:"id"`
	PreviousEnd string    `json:"previous_end"`
	EndDate     string    `json:"end_date"`
	Duration    Duration  `json:"duration"`
}

type StatusChangedEvent struct {
	ID   uuid.UUID `json:"id"`
	From Status    `json:"from"`
	To   Status    `json:"to"`
}
