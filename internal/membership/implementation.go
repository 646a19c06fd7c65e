package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/calendar"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/database"
	"lendingdesk/internal/eventlog"
)

const (
	membershipsTable       = "memberships"
	oneActivePerHolderIdx  = "memberships_one_active_per_holder"
	membershipNoConstraint = "memberships_membership_no_key"
)

var membershipColumns = []interface{}{
	"id", "seq", "membership_no", "holder_id", "member_name",
	"contact_phone", "contact_email", "contact_address",
	"start_date", "end_date", "duration", "status", "version", "created_at", "updated_at",
}

type membershipRow struct {
	ID             uuid.UUID `db:"id"`
	Seq            int64     `db:"seq"`
	MembershipNo   string    `db:"membership_no"`
	HolderID       uuid.UUID `db:"holder_id"`
	MemberName     string    `db:"member_name"`
	ContactPhone   string    `db:"contact_phone"`
	ContactEmail   string    `db:"contact_email"`
	ContactAddress string    `db:"contact_address"`
	StartDate      time.Time `db:"start_date"`
	EndDate        time.Time `db:"end_date"`
	Duration       Duration  `db:"duration"`
	Status         Status    `db:"status"`
	Version        int       `db:"version"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r membershipRow) toMembership() *Membership {
	return &Membership{
		ID:           r.ID,
		MembershipNo: r.MembershipNo,
		HolderID:     r.HolderID,
		MemberName:   r.MemberName,
		Contact: Contact{
			Phone:   r.ContactPhone,
			Email:   r.ContactEmail,
			Address: r.ContactAddress,
		},
		StartDate: calendar.Day(r.StartDate),
		EndDate:   calendar.Day(r.EndDate),
		Duration:  r.Duration,
		Status:    r.Status,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// service implements Service on PostgreSQL.
type service struct {
	db     *sqlx.DB
	events eventlog.Recorder
	clock  clock.Clock
	tracer trace.Tracer
	logger logrus.FieldLogger
}

// NewService creates a new membership service instance.
func NewService(db *sqlx.DB, events eventlog.Recorder, clk clock.Clock, logger logrus.FieldLogger) Service {
	return &service{
		db:     db,
		events: events,
		clock:  clk,
		tracer: otel.Tracer("lendingdesk/membership"),
		logger: logger.WithField("component", "membership"),
	}
}

// CreateMembership opens a membership starting today. A holder may hold one
// active membership at a time; a previous one that has already lapsed is
// marked expired first.
func (s *service) CreateMembership(ctx context.Context, in NewMembership) (*Membership, error) {
	const op = "membership.CreateMembership"
	ctx, span := s.tracer.Start(ctx, "membership.create", trace.WithAttributes(attribute.String("holder.id", in.HolderID.String())))
	defer span.End()

	in.normalize()
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := s.now()
	today := calendar.Day(now)
	months, _ := in.Duration.Months()
	m := &Membership{
		ID:           uuid.New(),
		MembershipNo: in.MembershipNo,
		HolderID:     in.HolderID,
		MemberName:   in.MemberName,
		Contact:      in.Contact,
		StartDate:    today,
		EndDate:      calendar.AddMonths(today, months),
		Duration:     in.Duration,
		Status:       Active,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := database.WithTx(ctx, s.db, func(ctx context.Context) error {
		current, err := s.activeForHolder(ctx, in.HolderID)
		if err != nil {
			return err
		}
		if current != nil {
			if current.ValidOn(today) {
				return apperr.InvalidState(op, "holder %s already has active membership %s until %s",
					in.HolderID, current.MembershipNo, calendar.Format(current.EndDate))
			}
			if err := s.setStatus(ctx, current, Expired); err != nil {
				return err
			}
		}

		insert := database.Dialect.Insert(membershipsTable).Prepared(true).Rows(goqu.Record{
			"id":              m.ID,
			"membership_no":   m.MembershipNo,
			"holder_id":       m.HolderID,
			"member_name":     m.MemberName,
			"contact_phone":   m.Contact.Phone,
			"contact_email":   m.Contact.Email,
			"contact_address": m.Contact.Address,
			"start_date":      m.StartDate,
			"end_date":        m.EndDate,
			"duration":        m.Duration,
			"status":          m.Status,
			"version":         m.Version,
			"created_at":      m.CreatedAt,
			"updated_at":      m.UpdatedAt,
		})
		if _, err := database.Exec(ctx, database.Conn(ctx, s.db), insert); err != nil {
			switch {
			case database.IsUniqueViolation(err) && database.Constraint(err) == oneActivePerHolderIdx:
				return apperr.InvalidState(op, "holder %s already has an active membership", m.HolderID)
			case database.IsUniqueViolation(err) && database.Constraint(err) == membershipNoConstraint:
				return apperr.DuplicateKey(op, "membership number %q is already taken", m.MembershipNo)
			case database.IsUniqueViolation(err):
				return apperr.DuplicateKey(op, "membership %s already exists", m.ID)
			case database.IsForeignKeyViolation(err):
				return apperr.Validation(op, "unknown holder %s", m.HolderID)
			}
			return fmt.Errorf("failed to insert membership: %w", err)
		}

		return s.record(ctx, m.ID, "MembershipCreated", CreatedEvent{
			ID:           m.ID,
			MembershipNo: m.MembershipNo,
			HolderID:     m.HolderID,
			StartDate:    calendar.Format(m.StartDate),
			EndDate:      calendar.Format(m.EndDate),
			Duration:     m.Duration,
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"membership_id": m.ID,
		"holder_id":     m.HolderID,
		"end_date":      calendar.Format(m.EndDate),
	}).Info("membership created")
	return m, nil
}

func (s *service) GetMembership(ctx context.Context, id uuid.UUID) (*Membership, error) {
	ctx, span := s.tracer.Start(ctx, "membership.get", trace.WithAttributes(attribute.String("membership.id", id.String())))
	defer span.End()

	return s.get(ctx, id, false)
}

func (s *service) GetMembershipForUpdate(ctx context.Context, id uuid.UUID) (*Membership, error) {
	ctx, span := s.tracer.Start(ctx, "membership.get_for_update", trace.WithAttributes(attribute.String("membership.id", id.String())))
	defer span.End()

	return s.get(ctx, id, true)
}

func (s *service) get(ctx context.Context, id uuid.UUID, lock bool) (*Membership, error) {
	query := database.Dialect.From(membershipsTable).Prepared(true).
		Select(membershipColumns...).
		Where(goqu.C("id").Eq(id))
	if lock {
		query = query.ForUpdate(exp.Wait)
	}

	var row membershipRow
	if err := database.Get(ctx, database.Conn(ctx, s.db), &row, query); err != nil {
		if database.IsNoRows(err) {
			return nil, apperr.NotFound("membership.GetMembership", "membership with ID %s not found", id)
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return row.toMembership(), nil
}

func (s *service) LookupByHolder(ctx context.Context, holderID uuid.UUID) (*Membership, error) {
	ctx, span := s.tracer.Start(ctx, "membership.lookup_by_holder", trace.WithAttributes(attribute.String("holder.id", holderID.String())))
	defer span.End()

	query := database.Dialect.From(membershipsTable).Prepared(true).
		Select(membershipColumns...).
		Where(goqu.C("holder_id").Eq(holderID)).
		Order(goqu.C("created_at").Desc(), goqu.C("seq").Desc()).
		Limit(1)

	var row membershipRow
	if err := database.Get(ctx, database.Conn(ctx, s.db), &row, query); err != nil {
		if database.IsNoRows(err) {
			return nil, apperr.NotFound("membership.LookupByHolder", "holder %s has no membership", holderID)
		}
		return nil, fmt.Errorf("failed to look up membership: %w", err)
	}
	return row.toMembership(), nil
}

// activeForHolder locks and returns the holder's active row, or nil.
func (s *service) activeForHolder(ctx context.Context, holderID uuid.UUID) (*Membership, error) {
	query := database.Dialect.From(membershipsTable).Prepared(true).
		Select(membershipColumns...).
		Where(goqu.C("holder_id").Eq(holderID), goqu.C("status").Eq(Active)).
		ForUpdate(exp.Wait)

	var row membershipRow
	if err := database.Get(ctx, database.Conn(ctx, s.db), &row, query); err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active membership: %w", err)
	}
	return row.toMembership(), nil
}

// ListMemberships returns memberships newest first.
func (s *service) ListMemberships(ctx context.Context, filter ListFilter) ([]*Membership, error) {
	ctx, span := s.tracer.Start(ctx, "membership.list")
	defer span.End()

	query := database.Dialect.From(membershipsTable).Prepared(true).
		Select(membershipColumns...).
		Order(goqu.C("created_at").Desc(), goqu.C("seq").Desc())
	if filter.HolderID != uuid.Nil {
		query = query.Where(goqu.C("holder_id").Eq(filter.HolderID))
	}
	if filter.Status != "" {
		query = query.Where(goqu.C("status").Eq(filter.Status))
	}

	var rows []membershipRow
	if err := database.Select(ctx, database.Conn(ctx, s.db), &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}

	out := make([]*Membership, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMembership())
	}
	return out, nil
}

// Renew extends the membership from max(today, end) and reactivates it.
// Cancelled memberships cannot be renewed.
func (s *service) Renew(ctx context.Context, id uuid.UUID, d Duration) (*Membership, error) {
	const op = "membership.Renew"
	ctx, span := s.tracer.Start(ctx, "membership.renew",
		trace.WithAttributes(
			attribute.String("membership.id", id.String()),
			attribute.String("duration", string(d)),
		),
	)
	defer span.End()

	var renewed *Membership
	err := database.WithTx(ctx, s.db, func(ctx context.Context) error {
		m, err := s.get(ctx, id, true)
		if err != nil {
			return err
		}
		if m.Status == Cancelled {
			return apperr.InvalidState(op, "membership %s is cancelled", m.MembershipNo)
		}

		end, err := RenewedEndDate(s.clock.Now(), m.EndDate, d)
		if err != nil {
			return err
		}
		previous := m.EndDate

		set := goqu.Record{"end_date": end, "duration": d, "status": Active}
		if err := s.update(ctx, m, set); err != nil {
			if database.IsUniqueViolation(err) {
				return apperr.InvalidState(op, "holder %s already has another active membership", m.HolderID)
			}
			return err
		}
		m.EndDate, m.Duration, m.Status = end, d, Active

		renewed = m
		return s.record(ctx, id, "MembershipRenewed", RenewedEvent{
			ID:          id,
			PreviousEnd: calendar.Format(previous),
			EndDate:     calendar.Format(end),
			Duration:    d,
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"membership_id": id, "end_date": calendar.Format(renewed.EndDate)}).Info("membership renewed")
	return renewed, nil
}

// Cancel is terminal and idempotent.
func (s *service) Cancel(ctx context.Context, id uuid.UUID) (*Membership, error) {
	ctx, span := s.tracer.Start(ctx, "membership.cancel", trace.WithAttributes(attribute.String("membership.id", id.String())))
	defer span.End()

	var cancelled *Membership
	err := database.WithTx(ctx, s.db, func(ctx context.Context) error {
		m, err := s.get(ctx, id, true)
		if err != nil {
			return err
		}
		cancelled = m
		if m.Status == Cancelled {
			return nil
		}
		return s.setStatus(ctx, m, Cancelled)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return cancelled, nil
}

func (s *service) ExpireLapsed(ctx context.Context, asOf time.Time) ([]uuid.UUID, error) {
	ctx, span := s.tracer.Start(ctx, "membership.expire_lapsed")
	defer span.End()

	var expired []uuid.UUID
	err := database.WithTx(ctx, s.db, func(ctx context.Context) error {
		query := database.Dialect.From(membershipsTable).Prepared(true).
			Select(membershipColumns...).
			Where(goqu.C("status").Eq(Active), goqu.C("end_date").Lt(calendar.Day(asOf))).
			Order(goqu.C("seq").Asc()).
			ForUpdate(exp.Wait)

		var rows []membershipRow
		if err := database.Select(ctx, database.Conn(ctx, s.db), &rows, query); err != nil {
			return fmt.Errorf("failed to select lapsed memberships: %w", err)
		}
		for _, r := range rows {
			if err := s.setStatus(ctx, r.toMembership(), Expired); err != nil {
				return err
			}
			expired = append(expired, r.ID)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("memberships.expired", len(expired)))
	if len(expired) > 0 {
		s.logger.WithField("count", len(expired)).Info("lapsed memberships expired")
	}
	return expired, nil
}

func (s *service) History(ctx context.Context, id uuid.UUID) ([]eventlog.Event, error) {
	return s.events.History(ctx, id)
}

func (s *service) setStatus(ctx context.Context, m *Membership, to Status) error {
	from := m.Status
	if err := s.update(ctx, m, goqu.Record{"status": to}); err != nil {
		return err
	}
	m.Status = to

	eventType := "MembershipExpired"
	if to == Cancelled {
		eventType = "MembershipCancelled"
	}
	return s.record(ctx, m.ID, eventType, StatusChangedEvent{ID: m.ID, From: from, To: to})
}

func (s *service) update(ctx context.Context, m *Membership, set goqu.Record) error {
	now := s.now()
	set["version"] = goqu.L("version + 1")
	set["updated_at"] = now

	stmt := database.Dialect.Update(membershipsTable).Prepared(true).
		Set(set).
		Where(goqu.C("id").Eq(m.ID), goqu.C("version").Eq(m.Version))

	n, err := database.Exec(ctx, database.Conn(ctx, s.db), stmt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("failed to update membership: %w", err)
	}
	if n == 0 {
		return apperr.Conflict("membership.update", "membership %s changed since version %d", m.ID, m.Version)
	}

	m.Version++
	m.UpdatedAt = now
	return nil
}

func (s *service) record(ctx context.Context, id uuid.UUID, eventType string, payload any) error {
	if _, err := s.events.Append(ctx, eventlog.Record{
		AggregateType: eventlog.AggregateMembership,
		AggregateID:   id,
		Type:          eventType,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return nil
}

func (s *service) now() time.Time {
	return s.clock.Now().Truncate(time.Microsecond)
}
