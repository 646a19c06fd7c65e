package catalog

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"lendingdesk/internal/apperr"
)

type Kind string

const (
	KindBook  Kind = "BOOK"
	KindMovie Kind = "MOVIE"
)

func (k Kind) Valid() bool {
	return k == KindBook || k == KindMovie
}

// Availability is the circulation state of an item. Only the lending engine
// moves an item into or out of ISSUED.
type Availability string

const (
	Available Availability = "AVAILABLE"
	Issued    Availability = "ISSUED"
	Lost      Availability = "LOST"
	Removed   Availability = "REMOVED"
)

func (a Availability) Valid() bool {
	switch a {
	case Available, Issued, Lost, Removed:
		return true
	}
	return false
}

// Item is a lendable book or movie.
type Item struct {
	ID              uuid.UUID    `json:"id" db:"id"`
	SerialNo        string       `json:"serial_no" db:"serial_no"`
	Title           string       `json:"title" db:"title"`
	Creator         string       `json:"creator" db:"creator"`
	CategoryCode    string       `json:"category_code" db:"category_code"`
	PublicationYear *int         `json:"publication_year,omitempty" db:"publication_year"`
	Kind            Kind         `json:"kind" db:"kind"`
	Availability    Availability `json:"availability" db:"availability"`
	Version         int          `json:"version" db:"version"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}

// NewItem holds the fields accepted when cataloguing an item.
type NewItem struct {
	SerialNo        string `json:"serial_no"`
	Title           string `json:"title"`
	Creator         string `json:"creator"`
	CategoryCode    string `json:"category_code"`
	PublicationYear *int   `json:"publication_year,omitempty"`
	Kind            Kind   `json:"kind,omitempty"`
}

func (n *NewItem) normalize() {
	n.SerialNo = strings.TrimSpace(n.SerialNo)
	n.Title = strings.TrimSpace(n.Title)
	n.Creator = strings.TrimSpace(n.Creator)
	n.CategoryCode = strings.TrimSpace(n.CategoryCode)
	if n.Kind == "" {
		n.Kind = KindBook
	}
}

func (n NewItem) validate() error {
	const op = "catalog.AddItem"
	switch {
	case n.SerialNo == "":
		return apperr.Validation(op, "serial number is required")
	case n.Title == "":
		return apperr.Validation(op, "title is required")
	case n.Creator == "":
		return apperr.Validation(op, "creator is required")
	case n.CategoryCode == "":
		return apperr.Validation(op, "category code is required")
	case !n.Kind.Valid():
		return apperr.Validation(op, "unknown kind %q", n.Kind)
	case n.PublicationYear != nil && *n.PublicationYear <= 0:
		return apperr.Validation(op, "publication year must be positive")
	}
	return nil
}

// ItemPatch is a partial update; nil fields keep their stored value.
type ItemPatch struct {
	SerialNo        *string       `json:"serial_no,omitempty"`
	Title           *string       `json:"title,omitempty"`
	Creator         *string       `json:"creator,omitempty"`
	CategoryCode    *string       `json:"category_code,omitempty"`
	PublicationYear *int          `json:"publication_year,omitempty"`
	Kind            *Kind         `json:"kind,omitempty"`
	Availability    *Availability `json:"availability,omitempty"`
}

// apply merges the patch into a copy of item.
func (p ItemPatch) apply(item Item) (Item, error) {
	const op = "catalog.UpdateItem"

	setText := func(dst *string, src *string, field string) error {
		if src == nil {
			return nil
		}
		v := strings.TrimSpace(*src)
		if v == "" {
			return apperr.Validation(op, "%s cannot be blank", field)
		}
		*dst = v
		return nil
	}
	if err := setText(&item.SerialNo, p.SerialNo, "serial number"); err != nil {
		return Item{}, err
	}
	if err := setText(&item.Title, p.Title, "title"); err != nil {
		return Item{}, err
	}
	if err := setText(&item.Creator, p.Creator, "creator"); err != nil {
		return Item{}, err
	}
	if err := setText(&item.CategoryCode, p.CategoryCode, "category code"); err != nil {
		return Item{}, err
	}
	if p.PublicationYear != nil {
		if *p.PublicationYear <= 0 {
			return Item{}, apperr.Validation(op, "publication year must be positive")
		}
		year := *p.PublicationYear
		item.PublicationYear = &year
	}
	if p.Kind != nil {
		if !p.Kind.Valid() {
			return Item{}, apperr.Validation(op, "unknown kind %q", *p.Kind)
		}
		item.Kind = *p.Kind
	}
	if p.Availability != nil && *p.Availability != item.Availability {
		next := *p.Availability
		if !next.Valid() {
			return Item{}, apperr.Validation(op, "unknown availability %q", next)
		}
		if next == Issued || item.Availability == Issued {
			return Item{}, apperr.InvalidState(op, "item %s: availability %s -> %s is reserved for issue and return", item.ID, item.Availability, next)
		}
		item.Availability = next
	}
	return item, nil
}

// ListFilter narrows ListItems. Zero values match everything.
type ListFilter struct {
	Availability Availability
	Kind         Kind
}

// Event payloads recorded in the event log.

type ItemAddedEvent struct {
	ID       uuid.UUID `json:"id"`
	SerialNo string    `json:"serial_no"`
	Title    string    `json:"title"`
	Creator  string    `json:"creator"`
	Kind     Kind      `json:"kind"`
}

type ItemUpdatedEvent struct {
	ID    uuid.UUID `json:"id"`
	Patch ItemPatch `json:"patch"`
}

type AvailabilityChangedEvent struct {
	ID   uuid.UUID    `json:"id"`
	From Availability `json:"from"`
	To   Availability `json:"to"`
}

type ItemRemovedEvent struct {
	ID       uuid.UUID `json:"id"`
	SerialNo string    `json:"serial_no"`
}
