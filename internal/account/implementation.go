package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/auth"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/database"
	"lendingdesk/internal/eventlog"
)

const (
	holdersTable = "holders"
	// registrationLockID serialises the first-admin check across requests.
	registrationLockID = 7_214_503
	// maxTrackedEmails caps the per-email limiter table.
	maxTrackedEmails = 10_000
)

var holderColumns = []interface{}{"id", "name", "email", "role", "status", "created_at", "updated_at"}

// Limits bounds Register and Authenticate attempts per email address.
type Limits struct {
	Every time.Duration
	Burst int
}

// DefaultLimits allows five attempts a minute per email.
var DefaultLimits = Limits{Every: time.Minute, Burst: 5}

type service struct {
	db     *sqlx.DB
	events eventlog.Recorder
	clock  clock.Clock
	limits Limits
	tracer trace.Tracer
	logger logrus.FieldLogger

	mu         sync.Mutex
	limiters   map[string]*emailLimiter
	maxTracked int
	lastSweep  time.Time
}

type emailLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewService(db *sqlx.DB, events eventlog.Recorder, clk clock.Clock, limits Limits, logger logrus.FieldLogger) Service {
	return &service{
		db:         db,
		events:     events,
		clock:      clk,
		limits:     limits,
		tracer:     otel.Tracer("lendingdesk/account"),
		logger:     logger.WithField("component", "account"),
		limiters:   map[string]*emailLimiter{},
		maxTracked: maxTrackedEmails,
	}
}

func (s *service) allow(email string) bool {
	if s.limits.Every <= 0 {
		return true
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= s.idleAfter() {
		s.sweep(now)
	}

	e, ok := s.limiters[email]
	if !ok {
		if len(s.limiters) >= s.maxTracked {
			s.sweep(now)
			if len(s.limiters) >= s.maxTracked {
				s.evictOldest()
			}
		}
		e = &emailLimiter{limiter: rate.NewLimiter(rate.Every(s.limits.Every), s.limits.Burst)}
		s.limiters[email] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// idleAfter is how long a limiter takes to refill completely. Dropping one
// idle for longer loses no throttling state.
func (s *service) idleAfter() time.Duration {
	return s.limits.Every * time.Duration(max(s.limits.Burst, 1))
}

func (s *service) sweep(now time.Time) {
	idle := s.idleAfter()
	for email, e := range s.limiters {
		if now.Sub(e.lastSeen) >= idle {
			delete(s.limiters, email)
		}
	}
	s.lastSweep = now
}

func (s *service) evictOldest() {
	var (
		oldest string
		seen   time.Time
	)
	for email, e := range s.limiters {
		if oldest == "" || e.lastSeen.Before(seen) {
			oldest, seen = email, e.lastSeen
		}
	}
	delete(s.limiters, oldest)
}

func (s *service) Register(ctx context.Context, in Registration) (*Holder, error) {
	const op = "account.Register"
	ctx, span := s.tracer.Start(ctx, "account.register")
	defer span.End()

	in.normalize()
	if !s.allow(in.Email) {
		return nil, ErrRateLimited
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	hash, salt, err := hashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.clock.Now().Truncate(time.Microsecond)
	h := &Holder{
		ID:        uuid.New(),
		Name:      in.Name,
		Email:     in.Email,
		Role:      auth.RoleUser,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = database.WithTx(ctx, s.db, func(ctx context.Context) error {
		conn := database.Conn(ctx, s.db)
		lock := database.Dialect.Select(goqu.Func("pg_advisory_xact_lock", registrationLockID))
		if _, err := database.Exec(ctx, conn, lock); err != nil {
			return fmt.Errorf("failed to lock registrations: %w", err)
		}

		var admins int
		count := database.Dialect.From(holdersTable).Prepared(true).
			Select(goqu.COUNT(goqu.Star())).
			Where(goqu.C("role").Eq(auth.RoleAdmin))
		if err := database.Get(ctx, conn, &admins, count); err != nil {
			return fmt.Errorf("failed to count admins: %w", err)
		}
		if admins == 0 {
			h.Role = auth.RoleAdmin
		}

		insert := database.Dialect.Insert(holdersTable).Prepared(true).Rows(goqu.Record{
			"id":            h.ID,
			"name":          h.Name,
			"email":         h.Email,
			"role":          h.Role,
			"status":        h.Status,
			"password_hash": hash,
			"salt":          salt,
			"created_at":    h.CreatedAt,
			"updated_at":    h.UpdatedAt,
		})
		if _, err := database.Exec(ctx, conn, insert); err != nil {
			if database.IsUniqueViolation(err) {
				return apperr.DuplicateKey(op, "email %q is already registered", h.Email)
			}
			return fmt.Errorf("failed to insert holder: %w", err)
		}

		if _, err := s.events.Append(ctx, eventlog.Record{
			AggregateType: eventlog.AggregateHolder,
			AggregateID:   h.ID,
			Type:          "HolderRegistered",
			Payload:       HolderRegisteredEvent{ID: h.ID, Email: h.Email, Name: h.Name, Role: h.Role},
		}); err != nil {
			return fmt.Errorf("failed to append HolderRegistered event: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"holder_id": h.ID, "role": h.Role}).Info("holder registered")
	return h, nil
}

// Authenticate checks the password of an ACTIVE holder. Unknown emails and
// wrong passwords produce the same error.
func (s *service) Authenticate(ctx context.Context, email, password string) (*Holder, error) {
	ctx, span := s.tracer.Start(ctx, "account.authenticate")
	defer span.End()

	email = normalizeEmail(email)
	if !s.allow(email) {
		return nil, ErrRateLimited
	}

	query := database.Dialect.From(holdersTable).Prepared(true).
		Select(append(holderColumns, "password_hash", "salt")...).
		Where(goqu.C("email").Eq(email))

	var c credential
	if err := database.Get(ctx, database.Conn(ctx, s.db), &c, query); err != nil {
		if database.IsNoRows(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load holder: %w", err)
	}

	ok, err := verifyPassword(password, c.Salt, c.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok || c.Status != StatusActive {
		s.logger.WithField("holder_id", c.ID).Warn("rejected sign-in")
		return nil, ErrInvalidCredentials
	}
	return &c.Holder, nil
}

func (s *service) GetHolder(ctx context.Context, id uuid.UUID) (*Holder, error) {
	query := database.Dialect.From(holdersTable).Prepared(true).
		Select(holderColumns...).
		Where(goqu.C("id").Eq(id))

	h := &Holder{}
	if err := database.Get(ctx, database.Conn(ctx, s.db), h, query); err != nil {
		if database.IsNoRows(err) {
			return nil, apperr.NotFound("account.GetHolder", "holder with ID %s not found", id)
		}
		return nil, fmt.Errorf("failed to get holder: %w", err)
	}
	return h, nil
}

func (s *service) ListHolders(ctx context.Context) ([]*Holder, error) {
	query := database.Dialect.From(holdersTable).Prepared(true).
		Select(holderColumns...).
		Order(goqu.C("created_at").Asc())

	holders := []*Holder{}
	if err := database.Select(ctx, database.Conn(ctx, s.db), &holders, query); err != nil {
		return nil, fmt.Errorf("failed to list holders: %w", err)
	}
	return holders, nil
}
