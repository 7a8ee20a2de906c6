// Package evidence owns the lifecycle of evidence items: grant, transfer,
// verify, consume, and grade-based expiry.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/theatreos/theatreos/pkg/events"
	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
	"github.com/theatreos/theatreos/pkg/themepack"
)

// TTLByGrade returns how long a freshly granted item of the grade lives.
func TTLByGrade(g models.EvidenceGrade) time.Duration {
	switch g {
	case models.GradeA:
		return 168 * time.Hour
	case models.GradeB:
		return 72 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// confidenceByGrade is the verification confidence returned when no
// challenge is supplied.
func confidenceByGrade(g models.EvidenceGrade) float64 {
	switch g {
	case models.GradeA:
		return 0.9
	case models.GradeB:
		return 0.6
	default:
		return 0.3
	}
}

// Service is the evidence engine. Safe for concurrent use.
type Service struct {
	store storage.Store
	packs *themepack.Registry
	sink  events.Sink
	now   func() time.Time
}

// NewService creates an evidence engine. sink may be nil.
func NewService(store storage.Store, packs *themepack.Registry, sink events.Sink) *Service {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{store: store, packs: packs, sink: sink, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Grant creates an item of a pack-declared evidence type for a user. The
// TTL follows the type's grade.
func (s *Service) Grant(ctx context.Context, theatreID, ownerID, typeID, sourceScene, sourceStage string, metadata json.RawMessage) (*models.Evidence, error) {
	pack, err := s.packs.GetForTheatre(theatreID)
	if err != nil {
		return nil, err
	}
	typ, ok := pack.EvidenceTypes[typeID]
	if !ok {
		return nil, storage.NewValidationError("type",
			fmt.Sprintf("evidence type %q is not declared by the bound theme pack", typeID))
	}

	now := s.now()
	e := &models.Evidence{
		ID:          uuid.New().String(),
		TheatreID:   theatreID,
		OwnerID:     ownerID,
		Name:        typ.Name,
		Grade:       typ.Grade,
		Rarity:      typ.Rarity,
		Type:        typeID,
		SourceScene: sourceScene,
		SourceStage: sourceStage,
		ObtainedAt:  now,
		ExpiresAt:   now.Add(TTLByGrade(typ.Grade)),
		Tradeable:   typ.Tradeable,
		Metadata:    metadata,
	}

	var evt *models.Event
	err = s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.InsertEvidence(ctx, e); err != nil {
			return err
		}
		evt = s.newEvent(theatreID, models.EventEvidenceGranted,
			models.EventTarget{UserIDs: []string{ownerID}},
			map[string]any{"evidence_id": e.ID, "type": typeID, "grade": typ.Grade, "expires_at": e.ExpiresAt})
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("grant evidence: %w", err)
	}
	s.sink.Deliver(evt)
	return e, nil
}

// Get returns one item.
func (s *Service) Get(ctx context.Context, id string) (*models.Evidence, error) {
	return s.store.GetEvidence(ctx, id)
}

// ListByOwner returns a user's items, expired ones included; callers
// filter on ExpiresAt as needed.
func (s *Service) ListByOwner(ctx context.Context, theatreID, ownerID string) ([]*models.Evidence, error) {
	return s.store.ListEvidenceByOwner(ctx, theatreID, ownerID)
}

// Transfer moves an item to a new owner. The owner change and the audit
// record are one atomic write.
func (s *Service) Transfer(ctx context.Context, evidenceID, fromUserID, toUserID string) (*models.Evidence, error) {
	e, err := s.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if e.OwnerID != fromUserID {
		return nil, fmt.Errorf("evidence %s is not owned by %s: %w", evidenceID, fromUserID, storage.ErrForbidden)
	}
	now := s.now()
	if err := s.usable(e, now); err != nil {
		return nil, err
	}
	if !e.Tradeable {
		return nil, storage.NewValidationError("evidence_id", "item is not tradeable")
	}
	if toUserID == "" || toUserID == fromUserID {
		return nil, storage.NewValidationError("to_user_id", "must name a different user")
	}

	e.OwnerID = toUserID
	var evt *models.Event
	err = s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.UpdateEvidence(ctx, e); err != nil {
			return err
		}
		if err := tx.InsertTransfer(ctx, &models.EvidenceTransfer{
			ID:         uuid.New().String(),
			EvidenceID: evidenceID,
			FromUserID: fromUserID,
			ToUserID:   toUserID,
			At:         now,
		}); err != nil {
			return err
		}
		evt = s.newEvent(e.TheatreID, models.EventEvidenceTransferred,
			models.EventTarget{UserIDs: []string{fromUserID, toUserID}},
			map[string]any{"evidence_id": evidenceID, "from": fromUserID, "to": toUserID})
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("transfer evidence: %w", err)
	}
	s.sink.Deliver(evt)
	return e, nil
}

// Consume marks an item used. One-way: a consumed item cannot transfer,
// verify, or be consumed again.
func (s *Service) Consume(ctx context.Context, evidenceID, ownerID string) (*models.Evidence, error) {
	e, err := s.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if e.OwnerID != ownerID {
		return nil, fmt.Errorf("evidence %s is not owned by %s: %w", evidenceID, ownerID, storage.ErrForbidden)
	}
	if err := s.usable(e, s.now()); err != nil {
		return nil, err
	}
	e.Consumed = true
	if err := s.store.UpdateEvidence(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// VerifyResult is the outcome of a verification attempt.
type VerifyResult struct {
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
}

// Verify checks an item's authenticity. With a challenge response the
// check is exact: the response must equal the hex SHA-256 of the evidence
// id concatenated with the secret in the item's metadata. Without one,
// verification returns a grade-dependent confidence.
func (s *Service) Verify(ctx context.Context, evidenceID, ownerID, response string) (*VerifyResult, error) {
	e, err := s.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if e.OwnerID != ownerID {
		return nil, fmt.Errorf("evidence %s is not owned by %s: %w", evidenceID, ownerID, storage.ErrForbidden)
	}
	if err := s.usable(e, s.now()); err != nil {
		return nil, err
	}

	if response == "" {
		return &VerifyResult{Verified: e.Verified, Confidence: confidenceByGrade(e.Grade)}, nil
	}

	var meta struct {
		Secret string `json:"secret"`
	}
	if len(e.Metadata) > 0 {
		_ = json.Unmarshal(e.Metadata, &meta)
	}
	if meta.Secret == "" {
		return nil, storage.NewValidationError("response", "item does not support challenge verification")
	}
	if response != ChallengeDigest(evidenceID, meta.Secret) {
		return &VerifyResult{Verified: false, Confidence: 0}, nil
	}

	e.Verified = true
	if err := s.store.UpdateEvidence(ctx, e); err != nil {
		return nil, err
	}
	return &VerifyResult{Verified: true, Confidence: 1}, nil
}

// ChallengeDigest is the expected challenge response for an item.
func ChallengeDigest(evidenceID, secret string) string {
	sum := sha256.Sum256([]byte(evidenceID + secret))
	return hex.EncodeToString(sum[:])
}

// usable rejects mutations of consumed or expired items. These are
// validation failures: the caller named an item that can no longer be
// acted on.
func (s *Service) usable(e *models.Evidence, now time.Time) error {
	if e.Consumed {
		return storage.NewValidationError("evidence_id", fmt.Sprintf("evidence %s is consumed", e.ID))
	}
	if e.Expired(now) {
		return storage.NewValidationError("evidence_id",
			fmt.Sprintf("evidence %s expired at %s", e.ID, e.ExpiresAt.Format(time.RFC3339)))
	}
	return nil
}

func (s *Service) newEvent(theatreID, kind string, target models.EventTarget, payload map[string]any) *models.Event {
	data, _ := json.Marshal(payload)
	return &models.Event{
		EventID:   uuid.New().String(),
		TheatreID: theatreID,
		At:        s.now(),
		Kind:      kind,
		Target:    target,
		Payload:   data,
	}
}
