package circulation

import (
	"time"

	"github.com/google/uuid"

	"lendingdesk/internal/calendar"
)

type Status string

const (
	StatusIssued   Status = "issued"
	StatusReturned Status = "returned"
)

// Transaction is one borrow of one item by one holder.
type Transaction struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	ItemID           uuid.UUID  `json:"item_id" db:"item_id"`
	HolderID         uuid.UUID  `json:"holder_id" db:"holder_id"`
	IssueDate        time.Time  `json:"issue_date" db:"issue_date"`
	DueDate          time.Time  `json:"due_date" db:"due_date"`
	ActualReturnDate *time.Time `json:"actual_return_date,omitempty" db:"actual_return_date"`
	Fine             int        `json:"fine" db:"fine"`
	FinePaid         bool       `json:"fine_paid" db:"fine_paid"`
	Remarks          string     `json:"remarks" db:"remarks"`
	Status           Status     `json:"status" db:"status"`
	Version          int        `json:"version" db:"version"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// normalizeDates drops the location the driver attaches to DATE columns.
func (t *Transaction) normalizeDates() {
	t.IssueDate = calendar.Day(t.IssueDate)
	t.DueDate = calendar.Day(t.DueDate)
	if t.ActualReturnDate != nil {
		d := calendar.Day(*t.ActualReturnDate)
		t.ActualReturnDate = &d
	}
}

// TransactionView is a transaction joined with the item and holder it
// refers to, for listings and reports.
type TransactionView struct {
	Transaction
	ItemSerialNo string `json:"item_serial_no" db:"item_serial_no"`
	ItemTitle    string `json:"item_title" db:"item_title"`
	ItemCreator  string `json:"item_creator" db:"item_creator"`
	HolderName   string `json:"holder_name" db:"holder_name"`
	HolderEmail  string `json:"holder_email" db:"holder_email"`
}

// OverdueEntry is an open transaction past its due date together with the
// fine it would carry if returned on the reporting day.
type OverdueEntry struct {
	TransactionView
	DaysOverdue   int `json:"days_overdue"`
	EstimatedFine int `json:"estimated_fine"`
}

// ReturnPreview is what a return on a given day would record.
type ReturnPreview struct {
	TransactionID    uuid.UUID `json:"transaction_id"`
	DueDate          time.Time `json:"due_date"`
	ActualReturnDate time.Time `json:"actual_return_date"`
	DaysFromDue      int       `json:"days_from_due"`
	Late             bool      `json:"late"`
	Fine             int       `json:"fine"`
}

type IssueRequest struct {
	ItemID    uuid.UUID
	HolderID  uuid.UUID
	IssueDate time.Time
	DueDate   time.Time
	Remarks   string
}

// ReturnRequest commits a return. A zero ActualReturnDate means today.
type ReturnRequest struct {
	TransactionID    uuid.UUID
	ActualReturnDate time.Time
	FinePaid         *bool
	Remarks          *string
}

// ListFilter narrows ledger listings. Zero values match everything.
type ListFilter struct {
	HolderID    uuid.UUID
	ItemID      uuid.UUID
	Status      Status
	DueBefore   time.Time
	UnpaidFines bool
}

// Summary holds the report totals.
type Summary struct {
	TotalItems        int `json:"total_items" db:"total_items"`
	IssuedItems       int `json:"issued_items" db:"issued_items"`
	AvailableItems    int `json:"available_items" db:"available_items"`
	ActiveMemberships int `json:"active_memberships" db:"active_memberships"`
	TotalTransactions int `json:"total_transactions" db:"total_transactions"`
	PendingReturns    int `json:"pending_returns" db:"pending_returns"`
	TotalFine         int `json:"total_fine" db:"total_fine"`
	FineCollected     int `json:"fine_collected" db:"fine_collected"`
	FinePending       int `json:"fine_pending" db:"fine_pending"`
}

// Event payloads recorded against the transaction aggregate.

type ItemIssuedEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	ItemID        uuid.UUID `json:"item_id"`
	HolderID      uuid.UUID `json:"holder_id"`
	IssueDate     string    `json:"issue_date"`
	DueDate       string    `json:"due_date"`
}

type ItemReturnedEvent struct {
	TransactionID    uuid.UUID `json:"transaction_id"`
	ItemID           uuid.UUID `json:"item_id"`
	ActualReturnDate string    `json:"actual_return_date"`
	Fine             int       `json:"fine"`
	FinePaid         bool      `json:"fine_paid"`
}

type FinePaidEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Fine          int       `json:"fine"`
}
