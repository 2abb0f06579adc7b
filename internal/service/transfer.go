package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/punchamoorthee/coinledger/internal/metrics"
	"github.com/punchamoorthee/coinledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Options tunes the ledger rules. Zero values fall back to defaults.
type Options struct {
	TTL          time.Duration
	MaxClockSkew time.Duration
	Now          func() time.Time
}

// TransferService owns the canonical transfer status: creation, claim,
// cancel and expiry.
type TransferService struct {
	store   store.TransferStore
	ttl     time.Duration
	maxSkew time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewTransferService(s store.TransferStore, opts Options, logger *zap.Logger) *TransferService {
	if opts.TTL <= 0 {
		opts.TTL = domain.DefaultTTL
	}
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TransferService{
		store:   s,
		ttl:     opts.TTL,
		maxSkew: opts.MaxClockSkew,
		now:     opts.Now,
		logger:  logger.With(zap.String("component", "ledger")),
	}
}

// CreateParams is a validated create request.
type CreateParams struct {
	ID          string
	SenderID    string
	RecipientID string
	Amount      decimal.Decimal
	CreatedAt   time.Time
}

func (p CreateParams) validate() (CreateParams, error) {
	p.ID = strings.TrimSpace(p.ID)
	p.SenderID = strings.TrimSpace(p.SenderID)
	p.RecipientID = strings.TrimSpace(p.RecipientID)
	switch {
	case p.ID == "":
		return p, fmt.Errorf("%w: id", domain.ErrMissingField)
	case p.SenderID == "":
		return p, fmt.Errorf("%w: sender_id", domain.ErrMissingField)
	case p.RecipientID == "":
		return p, fmt.Errorf("%w: recipient_id", domain.ErrMissingField)
	case domain.SameAccount(p.SenderID, p.RecipientID):
		return p, domain.ErrSelfTransfer
	}
	amount, err := domain.NormalizeAmount(p.Amount)
	if err != nil {
		return p, err
	}
	p.Amount = amount
	return p, nil
}

// Create logs a new pending transfer. A record is never overwritten: a
// resubmission with the same payload replays the stored record with
// created=false, a different payload under the same ID is ErrAlreadyExists.
func (s *TransferService) Create(ctx context.Context, p CreateParams) (domain.TransferRecord, bool, error) {
	p, err := s.validateCreate(p)
	if err != nil {
		metrics.TransfersCreated.WithLabelValues("invalid").Inc()
		return domain.TransferRecord{}, false, err
	}

	rec := domain.TransferRecord{
		ID:          p.ID,
		SenderID:    p.SenderID,
		RecipientID: p.RecipientID,
		Amount:      p.Amount,
		Status:      domain.StatusPending,
		CreatedAt:   p.CreatedAt,
		ExpiresAt:   p.CreatedAt.Add(s.ttl),
	}

	err = s.store.Insert(ctx, rec)
	if err == nil {
		metrics.TransfersCreated.WithLabelValues("created").Inc()
		s.logger.Info("transfer logged",
			zap.String("transfer_id", rec.ID),
			zap.String("sender_id", rec.SenderID),
			zap.String("recipient_id", rec.RecipientID),
			zap.String("amount", rec.Amount.StringFixed(domain.AmountPlaces)),
			zap.Time("expires_at", rec.ExpiresAt))
		return rec.EffectiveAt(s.now()), true, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return domain.TransferRecord{}, false, err
	}

	existing, err := s.Get(ctx, rec.ID)
	if err != nil {
		return domain.TransferRecord{}, false, err
	}
	if domain.SamePayload(existing, rec) {
		metrics.TransfersCreated.WithLabelValues("replayed").Inc()
		return existing, false, nil
	}
	metrics.TransfersCreated.WithLabelValues("conflict").Inc()
	s.logger.Warn("duplicate transfer id with different payload",
		zap.String("transfer_id", rec.ID),
		zap.String("existing_status", string(existing.Status)))
	return existing, false, domain.ErrAlreadyExists
}

func (s *TransferService) validateCreate(p CreateParams) (CreateParams, error) {
	p, err := p.validate()
	if err != nil {
		return p, err
	}
	// Past timestamps are legitimate for transfers created offline; only
	// clocks running ahead of the server are clamped.
	now := s.now().UTC()
	if p.CreatedAt.IsZero() || p.CreatedAt.After(now.Add(s.maxSkew)) {
		p.CreatedAt = now
	}
	p.CreatedAt = p.CreatedAt.UTC().Truncate(time.Millisecond)
	return p, nil
}

// Get returns one record with the read-time expiry applied.
func (s *TransferService) Get(ctx context.Context, id string) (domain.TransferRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.TransferRecord{}, err
	}
	return s.settleExpiry(ctx, rec)
}

// settleExpiry persists the expired status of a pending record past its
// expiry so that readers never see it as pending.
func (s *TransferService) settleExpiry(ctx context.Context, rec domain.TransferRecord) (domain.TransferRecord, error) {
	if !rec.IsExpiredAt(s.now()) {
		return rec, nil
	}
	ok, err := s.store.Transition(ctx, rec.ID, domain.StatusPending, domain.StatusExpired)
	if err != nil {
		return domain.TransferRecord{}, err
	}
	if ok {
		metrics.Expired.Inc()
		rec.Status = domain.StatusExpired
		return rec, nil
	}
	// Someone else moved it first; their status is the truth.
	return s.store.Get(ctx, rec.ID)
}

// Claim moves a pending transfer to claimed for its intended recipient.
func (s *TransferService) Claim(ctx context.Context, id, claimantID string) (domain.TransferRecord, error) {
	rec, err := s.claim(ctx, id, claimantID)
	metrics.Claims.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		s.logger.Info("claim rejected",
			zap.String("transfer_id", id),
			zap.String("claimant_id", claimantID),
			zap.Error(err))
		return rec, err
	}
	s.logger.Info("transfer claimed",
		zap.String("transfer_id", id),
		zap.String("claimant_id", claimantID))
	return rec, nil
}

func (s *TransferService) claim(ctx context.Context, id, claimantID string) (domain.TransferRecord, error) {
	if strings.TrimSpace(id) == "" {
		return domain.TransferRecord{}, fmt.Errorf("%w: id", domain.ErrMissingField)
	}
	if strings.TrimSpace(claimantID) == "" {
		return domain.TransferRecord{}, fmt.Errorf("%w: claimant_id", domain.ErrMissingField)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return domain.TransferRecord{}, err
	}
	if rec.Status.IsTerminal() {
		return rec, domain.ErrorForStatus(rec.Status)
	}
	if !domain.SameAccount(rec.RecipientID, claimantID) {
		return rec, domain.ErrNotIntendedRecipient
	}

	ok, err := s.store.Transition(ctx, id, domain.StatusPending, domain.StatusClaimed)
	if err != nil {
		return domain.TransferRecord{}, err
	}
	if !ok {
		return s.lostRace(ctx, id)
	}
	rec.Status = domain.StatusClaimed
	return rec, nil
}

// Cancel lets the original sender withdraw a pending transfer.
func (s *TransferService) Cancel(ctx context.Context, id, requesterID string) (domain.TransferRecord, error) {
	rec, err := s.cancel(ctx, id, requesterID)
	metrics.Cancels.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		s.logger.Info("cancel rejected",
			zap.String("transfer_id", id),
			zap.String("requester_id", requesterID),
			zap.Error(err))
		return rec, err
	}
	s.logger.Info("transfer cancelled", zap.String("transfer_id", id))
	return rec, nil
}

func (s *TransferService) cancel(ctx context.Context, id, requesterID string) (domain.TransferRecord, error) {
	if strings.TrimSpace(id) == "" {
		return domain.TransferRecord{}, fmt.Errorf("%w: id", domain.ErrMissingField)
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.TransferRecord{}, err
	}
	if !domain.SameAccount(rec.SenderID, requesterID) {
		return domain.TransferRecord{}, domain.ErrNotSender
	}
	rec, err = s.settleExpiry(ctx, rec)
	if err != nil {
		return domain.TransferRecord{}, err
	}
	if rec.Status.IsTerminal() {
		return rec, domain.ErrorForStatus(rec.Status)
	}

	ok, err := s.store.Transition(ctx, id, domain.StatusPending, domain.StatusCancelled)
	if err != nil {
		return domain.TransferRecord{}, err
	}
	if !ok {
		return s.lostRace(ctx, id)
	}
	rec.Status = domain.StatusCancelled
	return rec, nil
}

// lostRace reports the terminal status that beat a compare-and-set.
func (s *TransferService) lostRace(ctx context.Context, id string) (domain.TransferRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return domain.TransferRecord{}, err
	}
	if !rec.Status.IsTerminal() {
		return rec, fmt.Errorf("transfer %s changed concurrently", id)
	}
	return rec, domain.ErrorForStatus(rec.Status)
}

// ListForUser returns every record the user sent or received, newest first.
func (s *TransferService) ListForUser(ctx context.Context, userID string) ([]domain.TransferRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id", domain.ErrMissingField)
	}
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn("read-time sweep failed", zap.Error(err))
	}
	records, err := s.store.ListByAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range records {
		records[i] = records[i].EffectiveAt(now)
	}
	return records, nil
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(domain.ReasonOf(err))
}
