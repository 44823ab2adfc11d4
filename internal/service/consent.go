package service

import (
	"context"
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/observability"
	"github.com/souktech/kyb-onboarding-bfa/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

var consentTracer = otel.Tracer("service/consent")

// signedAtLayout is the ISO-8601 form the legacy token embeds.
const signedAtLayout = "2006-01-02T15:04:05.000Z"

// Signer produces the signature_hash stored with a consent.
type Signer interface {
	Sign(c domain.Consent) string
}

// LegacySigner reproduces the historical audit token:
// base64("<prefix>_<userId>_<signedAt>"). It is tamper-evidence only.
type LegacySigner struct{}

func (LegacySigner) Sign(c domain.Consent) string {
	prefix := string(c.ConsentType)
	if tpl, ok := domain.TemplateFor(c.ConsentType); ok {
		prefix = tpl.TokenPrefix
	}
	token := prefix + "_" + c.UserID + "_" + c.SignedAt.UTC().Format(signedAtLayout)
	return base64.StdEncoding.EncodeToString([]byte(token))
}

// KeyedSigner is an HMAC-SHA3-256 over the canonical consent payload.
type KeyedSigner struct {
	key []byte
}

// NewKeyedSigner returns an HMAC signer. An empty key is refused.
func NewKeyedSigner(key string) (*KeyedSigner, error) {
	if key == "" {
		return nil, fmt.Errorf("consent signing key is required for hmac signing")
	}
	return &KeyedSigner{key: []byte(key)}, nil
}

func (s *KeyedSigner) Sign(c domain.Consent) string {
	mac := hmac.New(sha3.New256, s.key)
	mac.Write([]byte(CanonicalConsentPayload(c)))
	return hex.EncodeToString(mac.Sum(nil))
}

// CanonicalConsentPayload is the byte string a keyed signature covers.
func CanonicalConsentPayload(c domain.Consent) string {
	return strings.Join([]string{
		string(c.ConsentType),
		c.UserID,
		c.OrganizationID,
		c.Version,
		c.SignedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
}

// NewSigner selects the signer named by mode ("legacy" or "hmac").
func NewSigner(mode, key string) (Signer, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "legacy":
		return LegacySigner{}, nil
	case "hmac":
		return NewKeyedSigner(key)
	default:
		return nil, fmt.Errorf("unknown consent signing mode %q", mode)
	}
}

// ConsentService records append-only signed consents, at most once per
// client submission token.
type ConsentService struct {
	store   port.ConsentStore
	idem    port.IdempotencyStore
	signer  Signer
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewConsentService creates a new consent service.
func NewConsentService(store port.ConsentStore, idem port.IdempotencyStore, signer Signer, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) *ConsentService {
	if signer == nil {
		signer = LegacySigner{}
	}
	return &ConsentService{
		store:   store,
		idem:    idem,
		signer:  signer,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

func consentClaimKey(orgID, token string) string {
	return "consent:" + orgID + ":" + token
}

// Record signs and stores one consent per requested type. When the
// submission token was already claimed nothing is inserted and the receipt
// is marked as replayed.
func (s *ConsentService) Record(ctx context.Context, sub domain.ConsentSubmission) (*domain.ConsentReceipt, error) {
	ctx, span := consentTracer.Start(ctx, "ConsentService.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("organization.id", sub.OrganizationID),
		attribute.Int("consent.count", len(sub.Types)),
	)

	if sub.UserID == "" {
		return nil, &domain.ErrValidation{Field: "user_id", Message: "required"}
	}
	if sub.OrganizationID == "" {
		return nil, &domain.ErrBusinessRule{Rule: "organization_required", Message: "no organization linked to this onboarding"}
	}
	if len(sub.Types) == 0 {
		return nil, &domain.ErrValidation{Field: "consents", Message: "at least one consent is required"}
	}

	templates := make([]domain.ConsentTemplate, 0, len(sub.Types))
	for _, t := range sub.Types {
		tpl, ok := domain.TemplateFor(t)
		if !ok {
			return nil, &domain.ErrValidation{Field: "consent_type", Message: "unknown consent type: " + string(t)}
		}
		templates = append(templates, tpl)
	}

	var claimKey string
	if sub.IdempotencyKey != "" {
		claimKey = consentClaimKey(sub.OrganizationID, sub.IdempotencyKey)
		claimed, err := s.idem.Claim(ctx, claimKey, s.ttl)
		if err != nil {
			return nil, &domain.ErrExternalService{Service: "idempotency", Err: err}
		}
		if !claimed {
			s.metrics.IncrIdempotentReplay()
			s.logger.Info("consent submission replayed",
				zap.String("organization_id", sub.OrganizationID),
				zap.String("idempotency_key", sub.IdempotencyKey),
			)
			return &domain.ConsentReceipt{Consents: []domain.Consent{}, Replayed: true}, nil
		}
	}

	signedAt := s.now().UTC()
	var notes *string
	if n := strings.TrimSpace(sub.Notes); n != "" {
		notes = &n
	}

	consents := make([]domain.Consent, 0, len(templates))
	for _, tpl := range templates {
		c := domain.Consent{
			UserID:         sub.UserID,
			OrganizationID: sub.OrganizationID,
			ConsentType:    tpl.Type,
			ConsentText:    tpl.Text,
			IsSigned:       true,
			Version:        domain.ConsentVersion,
			LegalBasis:     tpl.LegalBasis,
			SignatureNotes: notes,
			SignedAt:       signedAt,
		}
		c.SignatureHash = s.signer.Sign(c)
		consents = append(consents, c)
	}

	inserted, err := s.store.InsertConsents(ctx, consents)
	if err != nil {
		if claimKey != "" {
			if relErr := s.idem.Release(ctx, claimKey); relErr != nil {
				s.logger.Warn("failed to release consent claim", zap.String("key", claimKey), zap.Error(relErr))
			}
		}
		return nil, fmt.Errorf("record consents: %w", err)
	}

	for _, c := range inserted {
		s.metrics.IncrConsent(c.ConsentType)
	}
	s.logger.Info("consents recorded",
		zap.String("organization_id", sub.OrganizationID),
		zap.String("user_id", sub.UserID),
		zap.Int("count", len(inserted)),
	)
	return &domain.ConsentReceipt{Consents: inserted, Replayed: false}, nil
}
