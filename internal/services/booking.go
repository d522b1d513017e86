package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"table-reservations/internal/logger"
	"table-reservations/internal/models"
	"table-reservations/internal/storage"
)

const tracerName = "table-reservations/internal/services"

// EventPublisher receives booking events after they are committed.
type EventPublisher interface {
	PublishBookingEvent(ctx context.Context, event *models.BookingEvent) error
}

// PaymentVerifier resolves a payment intent into a receipt, failing unless
// the payment has been captured.
type PaymentVerifier interface {
	Receipt(ctx context.Context, intentID string) (*models.PaymentReceipt, error)
}

type LineItemRequest struct {
	AddOnID  string `json:"add_on_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"required,gt=0,lte=1000"`
}

type CreateBookingRequest struct {
	// UserID lets staff book on behalf of a guest. Ignored for customers.
	UserID          string            `json:"user_id,omitempty"`
	ResourceID      string            `json:"resource_id" validate:"required"`
	Date            string            `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime       string            `json:"start_time" validate:"required,clock"`
	EndTime         string            `json:"end_time" validate:"required,clock"`
	PartySize       int               `json:"party_size" validate:"required,gt=0"`
	LineItems       []LineItemRequest `json:"line_items" validate:"omitempty,dive"`
	SpecialRequests string            `json:"special_requests" validate:"max=1000"`
}

// Outcome is the result of a status change. Changed is false when the
// booking was already in the requested state and nothing was written.
type Outcome struct {
	Booking *models.Booking `json:"booking"`
	Changed bool            `json:"changed"`
}

type Option func(*BookingService)

func WithClock(now func() time.Time) Option {
	return func(s *BookingService) { s.now = now }
}

func WithReferenceGenerator(g *ReferenceGenerator) Option {
	return func(s *BookingService) { s.references = g }
}

func WithPaymentVerifier(v PaymentVerifier) Option {
	return func(s *BookingService) { s.verifier = v }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *BookingService) { s.tracer = t }
}

// WithReadRetrier replaces the backoff used for transient read failures.
func WithReadRetrier(r *retrier.Retrier) Option {
	return func(s *BookingService) { s.retrier = r }
}

type BookingService struct {
	ledger       storage.Ledger
	catalog      storage.Catalog
	events       EventPublisher
	verifier     PaymentVerifier
	availability *AvailabilityChecker
	machine      *StateMachine
	references   *ReferenceGenerator
	policy       Policy
	validate     *validator.Validate
	retrier      *retrier.Retrier
	tracer       trace.Tracer
	log          *logger.Logger
	now          func() time.Time
}

func NewBookingService(ledger storage.Ledger, catalog storage.Catalog, events EventPublisher, log *logger.Logger, policy Policy, opts ...Option) *BookingService {
	s := &BookingService{
		ledger:       ledger,
		catalog:      catalog,
		events:       events,
		availability: NewAvailabilityChecker(ledger),
		machine:      NewStateMachine(policy),
		references:   NewReferenceGenerator(policy.ReferencePrefix),
		policy:       policy,
		validate:     NewValidator(),
		retrier:      retrier.New(retrier.ExponentialBackoff(3, 50*time.Millisecond), transientClassifier{}),
		tracer:       otel.Tracer(tracerName),
		log:          log,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateBooking reserves a resource for a window and returns the new pending
// booking. A conflict found at any point is reported as ErrSlotUnavailable;
// the request is never moved to another slot.
func (s *BookingService) CreateBooking(ctx context.Context, actor models.Actor, req *CreateBookingRequest) (booking *models.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "BookingService.CreateBooking", trace.WithAttributes(
		attribute.String("booking.resource_id", req.ResourceID),
		attribute.String("booking.date", req.Date),
	))
	defer func() { endSpan(span, err) }()

	if err := s.validate.Struct(req); err != nil {
		return nil, toValidationError(err)
	}
	userID, err := s.bookingOwner(actor, req.UserID)
	if err != nil {
		return nil, err
	}
	window, err := s.parseWindow(req.Date, req.StartTime, req.EndTime)
	if err != nil {
		return nil, err
	}
	now := s.now()
	start, _ := window.StartAt(s.policy.location())
	if !start.After(now) {
		return nil, invalid("start_time", "must be in the future")
	}

	resource, err := s.loadResource(ctx, req.ResourceID)
	if err != nil {
		return nil, err
	}
	if !resource.Active {
		return nil, invalid("resource_id", "is not accepting bookings")
	}
	if req.PartySize > resource.Capacity {
		return nil, invalid("party_size", "%d exceeds capacity %d", req.PartySize, resource.Capacity)
	}

	items, err := s.snapshotLineItems(ctx, req.LineItems)
	if err != nil {
		return nil, err
	}

	var available bool
	err = s.read(func() error {
		var err error
		available, err = s.availability.Check(ctx, resource.ID, window, "")
		return err
	})
	if err != nil {
		return nil, s.storageError("availability check", err)
	}
	if !available {
		s.log.LogBooking("REJECT", resource.ID, fmt.Sprintf("Slot %s already taken", window))
		return nil, ErrSlotUnavailable
	}

	total, err := ComputeTotal(resource.HourlyRate, window.Duration(), items)
	if err != nil {
		return nil, err
	}

	draft := &models.Booking{
		ID:              uuid.NewString(),
		UserID:          userID,
		ResourceID:      resource.ID,
		Window:          window,
		PartySize:       req.PartySize,
		HourlyRate:      resource.HourlyRate,
		LineItems:       items,
		TotalAmount:     total,
		Status:          models.StatusPending,
		PaymentStatus:   models.PaymentUnpaid,
		SpecialRequests: req.SpecialRequests,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	booking, err = s.insert(ctx, draft)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("booking.id", booking.ID))
	s.log.LogBooking("CREATE", booking.ID, fmt.Sprintf("Booking %s created for %s, total %s",
		booking.Reference, booking.Window, booking.TotalAmount))
	s.publish(ctx, models.EventBookingCreated, booking)
	return booking, nil
}

// insert draws a fresh reference for every attempt. Only reference
// collisions are retried; a slot conflict ends the request.
func (s *BookingService) insert(ctx context.Context, draft *models.Booking) (*models.Booking, error) {
	for attempt := 1; attempt <= s.policy.MaxReferenceAttempts; attempt++ {
		ref, err := s.references.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate reference: %w", err)
		}
		draft.Reference = ref

		stored, err := s.ledger.InsertIfAvailable(ctx, draft)
		switch {
		case err == nil:
			return stored, nil
		case errors.Is(err, storage.ErrDuplicateReference):
			s.log.Warn("BOOKING", fmt.Sprintf("Reference %s already used (attempt %d/%d)", ref, attempt, s.policy.MaxReferenceAttempts))
			continue
		case errors.Is(err, storage.ErrSlotConflict):
			s.log.LogBooking("CONFLICT", draft.ID, fmt.Sprintf("Slot %s on %s taken at commit", draft.Window, draft.ResourceID))
			return nil, ErrSlotUnavailable
		default:
			return nil, s.storageError("insert booking", err)
		}
	}
	s.log.Error("BOOKING", fmt.Sprintf("Gave up after %d reference collisions", s.policy.MaxReferenceAttempts))
	return nil, ErrGenerationExhausted
}

// CancelBooking cancels on behalf of the booking's owner or staff. Cancelling
// an already cancelled booking succeeds with Changed=false.
func (s *BookingService) CancelBooking(ctx context.Context, id string, actor models.Actor, reason string) (out *Outcome, err error) {
	ctx, span := s.tracer.Start(ctx, "BookingService.CancelBooking", trace.WithAttributes(attribute.String("booking.id", id)))
	defer func() { endSpan(span, err) }()

	if len(reason) > 500 {
		return nil, invalid("reason", "must be at most 500 characters")
	}
	now := s.now()
	return s.transition(ctx, id, func(b *models.Booking) (bool, error) {
		if !actor.CanAccess(b) {
			return false, ErrUnauthorized
		}
		if err := s.machine.Apply(b, models.StatusCancelled, now); err != nil {
			return false, err
		}
		b.CancellationReason = reason
		return true, nil
	})
}

// UpdateStatus is the staff-only path for confirm, complete and no-show.
func (s *BookingService) UpdateStatus(ctx context.Context, id string, status models.Status, actor models.Actor) (out *Outcome, err error) {
	ctx, span := s.tracer.Start(ctx, "BookingService.UpdateStatus", trace.WithAttributes(
		attribute.String("booking.id", id),
		attribute.String("booking.status", string(status)),
	))
	defer func() { endSpan(span, err) }()

	if !actor.IsStaff() {
		return nil, ErrUnauthorized
	}
	if _, err := models.ParseStatus(string(status)); err != nil {
		return nil, invalid("status", "%q is not a booking status", status)
	}
	now := s.now()
	return s.transition(ctx, id, func(b *models.Booking) (bool, error) {
		if err := s.machine.Apply(b, status, now); err != nil {
			return false, err
		}
		return true, nil
	})
}

// ConfirmPayment records a captured payment and confirms the booking. The
// receipt must cover the booking total. Replaying the same receipt is a no-op.
func (s *BookingService) ConfirmPayment(ctx context.Context, id string, receipt *models.PaymentReceipt) (out *Outcome, err error) {
	if receipt == nil || receipt.Reference == "" {
		return nil, invalid("payment_ref", "is required")
	}
	ctx, span := s.tracer.Start(ctx, "BookingService.ConfirmPayment", trace.WithAttributes(
		attribute.String("booking.id", id),
		attribute.String("payment.source", receipt.Source),
	))
	defer func() { endSpan(span, err) }()

	now := s.now()
	return s.transition(ctx, id, func(b *models.Booking) (bool, error) {
		if b.PaymentStatus == models.PaymentPaid {
			if b.PaymentRef != receipt.Reference {
				s.log.Warn("BOOKING", fmt.Sprintf("Booking %s already paid by %s, ignoring %s", b.ID, b.PaymentRef, receipt.Reference))
			}
			return false, ErrAlreadyInState
		}
		if receipt.Amount < b.TotalAmount {
			return false, fmt.Errorf("%w: paid %s, total is %s", ErrPaymentRejected, receipt.Amount, b.TotalAmount)
		}
		statusChanged := false
		if b.Status != models.StatusConfirmed {
			if err := s.machine.Apply(b, models.StatusConfirmed, now); err != nil {
				return false, err
			}
			statusChanged = true
		}
		b.PaymentStatus = models.PaymentPaid
		b.PaymentRef = receipt.Reference
		b.UpdatedAt = now
		return statusChanged, nil
	})
}

// ConfirmWithPaymentIntent verifies a payment intent with the provider and
// then confirms. Verification happens before any ledger write.
func (s *BookingService) ConfirmWithPaymentIntent(ctx context.Context, id, intentID string, actor models.Actor) (*Outcome, error) {
	if s.verifier == nil {
		return nil, fmt.Errorf("%w: payment verification is not configured", ErrPaymentRejected)
	}
	if intentID == "" {
		return nil, invalid("payment_intent_id", "is required")
	}
	if _, err := s.GetBooking(ctx, id, actor); err != nil {
		return nil, err
	}
	receipt, err := s.verifier.Receipt(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentRejected, err)
	}
	if receipt.BookingID != "" && receipt.BookingID != id {
		return nil, fmt.Errorf("%w: payment intent belongs to booking %s", ErrPaymentRejected, receipt.BookingID)
	}
	return s.ConfirmPayment(ctx, id, receipt)
}

func (s *BookingService) GetBooking(ctx context.Context, id string, actor models.Actor) (*models.Booking, error) {
	var b *models.Booking
	err := s.read(func() error {
		var err error
		b, err = s.ledger.GetBooking(ctx, id)
		return err
	})
	return s.visible(b, err, actor)
}

func (s *BookingService) GetBookingByReference(ctx context.Context, reference string, actor models.Actor) (*models.Booking, error) {
	if !s.references.Valid(reference) {
		return nil, invalid("reference", "is not a booking reference")
	}
	var b *models.Booking
	err := s.read(func() error {
		var err error
		b, err = s.ledger.GetBookingByReference(ctx, reference)
		return err
	})
	return s.visible(b, err, actor)
}

// ListBookings pages through bookings. Customers only ever see their own.
func (s *BookingService) ListBookings(ctx context.Context, filter models.BookingFilter, actor models.Actor) ([]*models.Booking, int, error) {
	if !actor.IsStaff() {
		if actor.ID == "" {
			return nil, 0, ErrUnauthorized
		}
		filter.UserID = actor.ID
	}
	if err := validDate("date", filter.Date); err != nil {
		return nil, 0, err
	}
	if err := validDate("date_to", filter.DateTo); err != nil {
		return nil, 0, err
	}
	filter = filter.Normalize()

	var (
		bookings []*models.Booking
		total    int
	)
	err := s.read(func() error {
		var err error
		bookings, total, err = s.ledger.ListBookings(ctx, filter)
		return err
	})
	if err != nil {
		return nil, 0, s.storageError("list bookings", err)
	}
	return bookings, total, nil
}

func (s *BookingService) Policy() Policy {
	return s.policy
}

// transition runs mutate under the ledger's row lock. mutate reports whether
// the status moved, which decides if an event goes out.
func (s *BookingService) transition(ctx context.Context, id string, mutate func(b *models.Booking) (bool, error)) (*Outcome, error) {
	var statusChanged bool
	b, err := s.ledger.ApplyTransition(ctx, id, func(b *models.Booking) error {
		var err error
		statusChanged, err = mutate(b)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyInState):
		if b == nil {
			return nil, ErrBookingNotFound
		}
		s.log.LogBooking("NOOP", id, fmt.Sprintf("Already %s", b.Status))
		return &Outcome{Booking: b, Changed: false}, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrBookingNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrCancellationWindowClosed), errors.Is(err, ErrPaymentRejected),
		errors.Is(err, ErrValidation):
		s.log.LogBooking("REJECT", id, err.Error())
		return nil, err
	default:
		return nil, s.storageError("apply transition", err)
	}

	s.log.LogBooking("TRANSITION", b.ID, fmt.Sprintf("Booking %s is now %s (payment %s)", b.Reference, b.Status, b.PaymentStatus))
	if statusChanged {
		s.publish(ctx, models.EventForStatus(b.Status), b)
	}
	return &Outcome{Booking: b, Changed: true}, nil
}

func (s *BookingService) visible(b *models.Booking, err error, actor models.Actor) (*models.Booking, error) {
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrBookingNotFound
		}
		return nil, s.storageError("get booking", err)
	}
	if !actor.CanAccess(b) {
		s.log.LogSecurity("BOOKING_ACCESS", fmt.Sprintf("%s %s denied access to booking %s", actor.Role, actor.ID, b.ID))
		return nil, ErrUnauthorized
	}
	return b, nil
}

func (s *BookingService) bookingOwner(actor models.Actor, requested string) (string, error) {
	if actor.IsStaff() && requested != "" {
		return requested, nil
	}
	if actor.ID == "" {
		return "", ErrUnauthorized
	}
	return actor.ID, nil
}

func (s *BookingService) parseWindow(date, start, end string) (models.TimeWindow, error) {
	startClock, err := models.ParseClock(start)
	if err != nil {
		return models.TimeWindow{}, invalid("start_time", "must be HH:MM")
	}
	endClock, err := models.ParseClock(end)
	if err != nil {
		return models.TimeWindow{}, invalid("end_time", "must be HH:MM")
	}
	w := models.TimeWindow{Date: date, Start: startClock, End: endClock}
	if err := ValidateWindow(w, s.policy); err != nil {
		return models.TimeWindow{}, err
	}
	return w, nil
}

func (s *BookingService) loadResource(ctx context.Context, id string) (*models.Resource, error) {
	var r *models.Resource
	err := s.read(func() error {
		var err error
		r, err = s.catalog.GetResource(ctx, id)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, s.storageError("load resource", err)
	}
	return r, nil
}

// snapshotLineItems copies current catalog prices into the booking.
func (s *BookingService) snapshotLineItems(ctx context.Context, reqs []LineItemRequest) ([]models.LineItem, error) {
	items := make([]models.LineItem, 0, len(reqs))
	for i, req := range reqs {
		var addOn *models.AddOn
		err := s.read(func() error {
			var err error
			addOn, err = s.catalog.GetAddOn(ctx, req.AddOnID)
			return err
		})
		if errors.Is(err, storage.ErrNotFound) || (err == nil && !addOn.Active) {
			return nil, invalid(fmt.Sprintf("line_items[%d].add_on_id", i), "%q is not available", req.AddOnID)
		}
		if err != nil {
			return nil, s.storageError("load add-on", err)
		}
		items = append(items, models.LineItem{
			AddOnID:   addOn.ID,
			Name:      addOn.Name,
			Quantity:  req.Quantity,
			UnitPrice: addOn.UnitPrice,
		})
	}
	return items, nil
}

func (s *BookingService) read(work func() error) error {
	return s.retrier.Run(work)
}

func (s *BookingService) storageError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.log.Error("BOOKING", fmt.Sprintf("%s failed: %v", op, err))
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

func (s *BookingService) publish(ctx context.Context, t models.EventType, b *models.Booking) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishBookingEvent(ctx, models.NewBookingEvent(t, b, s.now())); err != nil {
		s.log.Warn("BOOKING", fmt.Sprintf("Failed to publish %s for %s: %v", t, b.ID, err))
	}
}

// transientClassifier retries only failures the ledger marked as transient.
type transientClassifier struct{}

func (transientClassifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case errors.Is(err, storage.ErrTransient):
		return retrier.Retry
	default:
		return retrier.Fail
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
