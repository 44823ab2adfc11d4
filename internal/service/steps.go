package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StepSubmission is the typed form of one onboarding step. The set of
// implementations is closed: DecodeSubmission maps every StepKind to exactly
// one of them.
type StepSubmission interface {
	Kind() domain.StepKind
	apply(ctx context.Context, run *stepRun) (stepOutcome, error)
}

// DecodeSubmission parses raw into the submission type of kind.
func DecodeSubmission(kind domain.StepKind, raw []byte) (StepSubmission, error) {
	var sub StepSubmission
	switch kind {
	case domain.StepRoleSelection:
		sub = &RoleSelectionSubmission{}
	case domain.StepLegalIdentifiers:
		sub = &LegalIdentifiersSubmission{}
	case domain.StepBusinessProfile:
		sub = &BusinessProfileSubmission{}
	case domain.StepBeneficialOwners:
		sub = &BeneficialOwnersSubmission{}
	case domain.StepBankingInformation:
		sub = &BankingInformationSubmission{}
	case domain.StepDeclarations:
		sub = &DeclarationsSubmission{}
	case domain.StepVerification:
		sub = &VerificationSubmission{}
	case domain.StepCompanyDetails:
		sub = &CompanyDetailsSubmission{}
	case domain.StepPurchasingSettings:
		sub = &PurchasingSettingsSubmission{}
	case domain.StepBuyerConsent:
		sub = &BuyerConsentSubmission{}
	default:
		return nil, fmt.Errorf("no submission type for step kind %q", kind)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, sub); err != nil {
		return nil, &domain.ErrValidation{Field: "body", Message: "malformed step payload: " + err.Error()}
	}
	return sub, nil
}

// StepResult is returned by a successful step submission.
type StepResult struct {
	Kind         domain.StepKind            `json:"kind"`
	State        *OnboardingState           `json:"state"`
	Warnings     []string                   `json:"warnings,omitempty"`
	RedirectTo   string                     `json:"redirect_to,omitempty"`
	Consents     *domain.ConsentReceipt     `json:"consents,omitempty"`
	Verification *domain.VerificationReport `json:"verification,omitempty"`
}

type stepOutcome struct {
	warnings     []string
	redirectTo   string
	consents     *domain.ConsentReceipt
	verification *domain.VerificationReport
}

// stepRun is the context a submission applies its effects in. The session
// is locked for the whole run.
type stepRun struct {
	svc            *OnboardingService
	sess           *Session
	step           int
	payload        map[string]any
	idempotencyKey string
}

func (r *stepRun) orgID() string { return r.sess.orgID() }

func (r *stepRun) patchOrganization(ctx context.Context, patch domain.OrganizationPatch) error {
	if err := r.svc.store.UpdateOrganization(ctx, r.orgID(), patch); err != nil {
		return fmt.Errorf("save step %d: %w", r.step, err)
	}
	return nil
}

func (r *stepRun) completeStep(ctx context.Context) error {
	return r.svc.completeStep(ctx, r.sess, r.step)
}

func (r *stepRun) recordConsents(ctx context.Context, types []domain.ConsentType, notes string) (*domain.ConsentReceipt, error) {
	return r.svc.consents.Record(ctx, domain.ConsentSubmission{
		UserID:         r.sess.userID,
		OrganizationID: r.orgID(),
		Types:          types,
		Notes:          notes,
		IdempotencyKey: r.idempotencyKey,
	})
}

// SubmitStep validates the typed payload of step, applies its side effects
// and completes it. A payload that fails validation changes nothing.
func (s *OnboardingService) SubmitStep(ctx context.Context, userID string, step int, raw []byte, idempotencyKey string) (*StepResult, error) {
	ctx, span := onboardingTracer.Start(ctx, "OnboardingService.SubmitStep")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.Int("step", step))

	sess, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	res, err := s.submitStep(ctx, sess, step, raw, idempotencyKey)
	s.recordFailure(err)
	return res, err
}

// SubmitVerification runs the wholesaler verification step in submit or
// finalize mode.
func (s *OnboardingService) SubmitVerification(ctx context.Context, userID string, mode VerificationMode, idempotencyKey string) (*StepResult, error) {
	ctx, span := onboardingTracer.Start(ctx, "OnboardingService.SubmitVerification")
	defer span.End()

	sess, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	step := stepNumber(sess.role(), domain.StepVerification)
	if step == 0 {
		err := &domain.ErrBusinessRule{Rule: "verification_unavailable", Message: "verification is part of the wholesaler flow only"}
		s.recordFailure(err)
		return nil, err
	}
	raw, _ := json.Marshal(VerificationSubmission{Mode: mode})
	res, err := s.submitStep(ctx, sess, step, raw, idempotencyKey)
	s.recordFailure(err)
	return res, err
}

func (s *OnboardingService) submitStep(ctx context.Context, sess *Session, step int, raw []byte, idempotencyKey string) (*StepResult, error) {
	if sess.completed() {
		return nil, &domain.ErrBusinessRule{Rule: "onboarding_completed", Message: "onboarding is already completed"}
	}
	if err := sess.checkStep(step); err != nil {
		return nil, err
	}
	kind, err := domain.StepKindFor(sess.role(), step)
	if err != nil {
		return nil, err
	}
	sub, err := DecodeSubmission(kind, raw)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(sub); err != nil {
		return nil, validationError(err)
	}

	payload := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		_ = json.Unmarshal(raw, &payload)
	}
	sess.draft.Merge(step, payload)
	sess.unsynced[step] = true

	out, err := sub.apply(ctx, &stepRun{
		svc:            s,
		sess:           sess,
		step:           step,
		payload:        payload,
		idempotencyKey: idempotencyKey,
	})
	if err != nil {
		var ve *domain.ErrValidation
		if !errors.As(err, &ve) {
			sess.lastSyncErr = err.Error()
		}
		s.logger.Warn("step submission failed",
			zap.String("user_id", sess.userID),
			zap.Int("step", step),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return nil, err
	}

	return &StepResult{
		Kind:         kind,
		State:        sess.snapshot(),
		Warnings:     out.warnings,
		RedirectTo:   out.redirectTo,
		Consents:     out.consents,
		Verification: out.verification,
	}, nil
}

func stepNumber(role domain.Role, kind domain.StepKind) int {
	for _, def := range domain.StepsFor(role) {
		if def.Kind == kind && role != "" {
			return def.Number
		}
	}
	return 0
}

// ============================================================
// Shared step
// ============================================================

// RoleSelectionSubmission selects the role and completes step 1.
type RoleSelectionSubmission struct {
	Role domain.Role `json:"role" validate:"required,oneof=wholesaler buyer"`
}

func (*RoleSelectionSubmission) Kind() domain.StepKind { return domain.StepRoleSelection }

func (sub *RoleSelectionSubmission) apply(ctx context.Context, run *stepRun) (stepOutcome, error) {
	if err := run.svc.selectRole(ctx, run.sess, sub.Role); err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{}, run.completeStep(ctx)
}

// ============================================================
// Wholesaler steps
// ============================================================

// LegalIdentifiersSubmission carries the registry identifiers. The RC
// extract must have been uploaded beforehand. Registry verification flags
// are left to the admin review.
type LegalIdentifiersSubmission struct {
	ICE        string `json:"ice" validate:"required,ice"`
	RCNumber   string `json:"rcNumber" validate:"required,rc"`
	IFNumber   string `json:"ifNumber" validate:"required,if"`
	CNSSNumber string `json:"cnssNumber"`
}

func (*LegalIdentifiersSubmission) Kind() domain.StepKind { return domain.StepLegalIdentifiers }

func (sub *LegalIdentifiersSubmission) apply(ctx context.Context, run *stepRun) (stepOutcome, error) {
	docs, err := run.svc.store.ListDocuments(ctx, run.orgID())
	if err != nil {
		return stepOutcome{}, fmt.Errorf("list documents: %w", err)
	}
	hasExtract := false
	for _, d := range docs {
		if d.DocumentType == domain.DocumentRCExtract {
			hasExtract = true
			break
		}
	}
	if !hasExtract {
		return stepOutcome{}, &domain.ErrValidation{Field: "rcExtract", Message: "l'extrait RC est requis"}
	}

	err = run.patchOrganization(ctx, domain.OrganizationPatch{
		"ice":         sub.ICE,
		"rc_number":   sub.RCNumber,
		"if_number":   sub.IFNumber,
		"cnss_number": optionalText(sub.CNSSNumber),
	})
	if err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{}, run.completeStep(ctx)
}

// BusinessProfileSubmission is the commercial identity of the organization.
type BusinessProfileSubmission struct {
	LegalName      string   `json:"legalName" validate:"required,min=2"`
	TradeName      string   `json:"tradeName"`
	ActivityCode   string   `json:"activityCode" validate:"required,min=4"`
	AddressLine1   string   `json:"addressLine1" validate:"required,min=5"`
	AddressLine2   string   `json:"addressLine2"`
	City           string   `json:"city" validate:"required,min=2"`
	PostalCode     string   `json:"postalCode"`
	Phone          string   `json:"phone" validate:"required,min=10"`
	Email          string   `json:"email" validate:"required,email"`
	Website        string   `json:"website" validate:"omitempty,url"`
	PaymentMethods []string `json:"paymentMethods" validate:"required,min=1,dive,required"`
}

func (*BusinessProfileSubmission) Kind() domain.StepKind { return domain.StepBusinessProfile }

func (sub *BusinessProfileSubmission) apply(ctx context.Context, run *stepRun) (stepOutcome, error) {
	err := run.patchOrganization(ctx, domain.OrganizationPatch{
		"legal_name":    sub.LegalName,
		"trade_name":    optionalText(sub.TradeName),
		"activity_code": sub.ActivityCode,
		"address_line1": sub.AddressLine1,
		"address_line2": optionalText(sub.AddressLine2),
		"city":          sub.City,
		"postal_code":   optionalText(sub.PostalCode),
		"phone":         sub.Phone,
		"email":         sub.Email,
		"website":       optionalText(sub.Website),
	})
	if err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{}, run.completeStep(ctx)
}

// OwnerInput is one declared beneficial owner.
type OwnerInput struct {
	FullName            string          `json:"full_name" validate:"required,min=2"`
	PositionTitle       string          `json:"position_title" validate:"required,min=2"`
	OwnershipPercentage decimal.Decimal `json:"ownership_percentage" validate:"required,gte=0.01,lte=100"`
	DateOfBirth         string          `json:"date_of_birth" validate:"required,datetime=2006-01-02"`
	Nationality         string          `json:"nationality" validate:"required,min=2"`
	Country             string          `json:"country" validate:"required,min=2"`
	City                string          `json:"city" validate:"required,min=2"`
	Address             string          `json:"address" validate:"required,min=5"`
	CINNumber           string          `json:"cin_number"`
	PassportNumber      string          `json:"passport_number"`
	IsPEP               bool            `json:"is_pep"`
}

// BeneficialOwnersSubmission replaces the owner set of the organization.
type BeneficialOwnersSubmission struct {
	Owners []OwnerInput `json:"owners" validate:"required,min=1,dive"`
}

func (*BeneficialOwnersSubmission) Kind() domain.StepKind { return domain.StepBeneficialOwners }

func (sub *BeneficialOwnersSubmission) apply(ctx context.Context, run *stepRun) (stepOutcome, error) {
	owners := make([]domain.BeneficialOwner, 0, len(sub.Owners))
	for _, in := range sub.Owners {
		dob := in.DateOfBirth
		owners = append(owners, domain.BeneficialOwner{
			OrganizationID:      run.orgID(),
			FullName:            in.FullName,
			PositionTitle:       in.PositionTitle,
			OwnershipPercentage: in.OwnershipPercentage,
			DateOfBirth:         &dob,
			Nationality:         in.Nationality,
			Country:             in.Country,
			City:                optionalText(in.City),
			Address:             in.Address,
			CINNumber:           optionalText(in.CINNumber),
			PassportNumber:      optionalText(in.PassportNumber),
			IsPEP:               in.IsPEP,
		})
	}
	if err := run.svc.store.ReplaceOwners(ctx, run.orgID(), owners); err != nil {
		return stepOutcome{}, fmt.Errorf("save beneficial owners: %w", err)
	}

	var out stepOutcome
	if w := domain.OwnershipWarning(owners); w != "" {
		out.warnings = append(out.warnings, w)
	}
	return out, run.completeStep(ctx)
}

// BankingInformationSubmission carries the bank account. Stored values are
// normalized; the banking check stays unverified until an admin sets it.
type BankingInformationSubmission struct {
	BankName string `json:"bank_name" validate:"required,min=2"`
	RIB      string `json:"rib" validate:"required,rib"`
	IBAN     string `json:"iban" validate:"required,iban"`
}

func (*BankingInformationSubmission) Kind() domain.StepKind { return domain.StepBankingInformation }

func (sub *BankingInformationSubmission) apply(ctx context.Context, run *stepRun) (stepOutcome, error) {
	err := run.patchOrganization(ctx, domain.OrganizationPatch{
		"bank_name":           strings.TrimSpace(sub.BankName),
		"rib":                 domain.NormalizeRIB(sub.RIB),
		"iban":                domain.NormalizeIBAN(sub.IBAN),
		"is_banking_verified": false,
	})
	if err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{}, run.completeStep(ctx)
}

// DeclarationsSubmission signs the four wholesaler declarations.
type DeclarationsSubmission struct {
	KYBAttestation  bool   `json:"kyb_attestation" validate:"required"`
	AMLDeclaration  bool   `json:"aml_declaration" validate:"required"`
	DataProcessing  bool   `json:"data_processing" validate:"required"`
	TermsConditions bool   `json:"terms_conditions" validate:"required"`
	SignatureNotes  string `json:"signature_notes"`
}

func (*DeclarationsSubmission) Kind() domain.StepKind { return domain.StepDeclarations }

func (sub *DeclarationsSubmission) apply(ctx context.Context, run *stepRun) (stepOutcome, error) {
	receipt, err := run.recordConsents(ctx, domain.RequiredConsents(domain.RoleWholesaler), sub.SignatureNotes)
	if err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{consents: receipt}, run.completeStep(ctx)
}

// VerificationMode selects the submission policy of the verification step.
type VerificationMode string

const (
	// VerificationSubmit hands the file to review whatever the checklist says.
	VerificationSubmit VerificationMode = "submit"
	// VerificationFinalize requires every check to pass.
	VerificationFinalize VerificationMode = "finalize"
)

// VerificationSubmission submits the organization for review, then
// completes the onboarding.
type VerificationSubmission struct {
	Mode VerificationMode `json:"mode" validate:"omitempty,oneof=submit finalize"`
}

func (*VerificationSubmission) Kind() domain.StepKind { return domain.StepVerification }

func (sub *VerificationSubmission) apply(ctx context.Context, run *stepRun) (stepOutcome, error) {
	strict := sub.Mode == VerificationFinalize
	// Submitting completes the progress record, after which the step can no
	// longer be written. Check the gate, complete the step, then submit.
	if _, err := run.svc.verification.CheckSubmission(ctx, run.orgID(), strict); err != nil {
		return stepOutcome{}, err
	}
	if err := run.completeStep(ctx); err != nil {
		return stepOutcome{}, err
	}

	var (
		report *domain.VerificationReport
		err    error
	)
	if strict {
		report, err = run.svc.verification.Finalize(ctx, run.orgID())
	} else {
		report, err = run.svc.verification.SubmitForReview(ctx, run.orgID())
	}
	if err != nil {
		return stepOutcome{}, err
	}
	if err := run.svc.completeOnboarding(ctx, run.sess); err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{verification: report, redirectTo: domain.PathVerificationPending}, nil
}

// ============================================================
// Buyer steps
// ============================================================

// CompanyDetailsSubmission is the buyer's company identity. Identifiers are
// optional but checked when given.
type CompanyDetailsSubmission struct {
	LegalName string `json:"legalName" validate:"required,min=2"`
	ICE       string `json:"ice" validate:"omitempty,ice"`
	RCNumber  string `json:"rcNumber" validate:"omitempty,rc"`
}

func (*CompanyDetailsSubmission) Kind() domain.StepKind { return domain.StepCompanyDetails }

func (sub *CompanyDetailsSubmission) apply(ctx context.Context, run *stepRun) (stepOutcome, error) {
	err := run.patchOrganization(ctx, domain.OrganizationPatch{
		"legal_name": sub.LegalName,
		"ice":        optionalText(sub.ICE),
		"rc_number":  optionalText(sub.RCNumber),
	})
	if err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{}, run.completeStep(ctx)
}

// PurchasingSettingsSubmission is kept in the organization's
// verification_data under "purchasing_settings".
type PurchasingSettingsSubmission struct {
	DefaultPaymentMethod string `json:"defaultPaymentMethod" validate:"required"`
	CreditLimit          string `json:"creditLimit"`
	PaymentTerms         string `json:"paymentTerms" validate:"required"`
	ApprovalRequired     bool   `json:"approvalRequired"`
	BudgetLimit          string `json:"budgetLimit"`
	DeliveryAddress      string `json:"deliveryAddress" validate:"required"`
	BillingAddress       string `json:"billingAddress" validate:"required"`
	ContactPerson        string `json:"contactPerson" validate:"required"`
	ContactPhone         string `json:"contactPhone" validate:"required"`
	ContactEmail         string `json:"contactEmail" validate:"required,email"`
}

func (*PurchasingSettingsSubmission) Kind() domain.StepKind { return domain.StepPurchasingSettings }

func (sub *PurchasingSettingsSubmission) apply(ctx context.Context, run *stepRun) (stepOutcome, error) {
	org, err := run.svc.store.GetOrganization(ctx, run.orgID())
	if err != nil {
		return stepOutcome{}, fmt.Errorf("load organization: %w", err)
	}
	data := make(map[string]any, len(org.VerificationData)+1)
	for k, v := range org.VerificationData {
		data[k] = v
	}
	data["purchasing_settings"] = run.payload

	if err := run.patchOrganization(ctx, domain.OrganizationPatch{"verification_data": data}); err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{}, run.completeStep(ctx)
}

// BuyerConsentSubmission signs the buyer consents and finishes the flow.
// Marketing communications are optional and only recorded when accepted.
type BuyerConsentSubmission struct {
	Terms          bool `json:"terms" validate:"required"`
	Privacy        bool `json:"privacy" validate:"required"`
	ESignature     bool `json:"eSignature" validate:"required"`
	Communications bool `json:"communications"`
}

func (*BuyerConsentSubmission) Kind() domain.StepKind { return domain.StepBuyerConsent }

func (sub *BuyerConsentSubmission) apply(ctx context.Context, run *stepRun) (stepOutcome, error) {
	types := domain.RequiredConsents(domain.RoleBuyer)
	if sub.Communications {
		types = append(types, domain.ConsentMarketing)
	}
	receipt, err := run.recordConsents(ctx, types, "")
	if err != nil {
		return stepOutcome{}, err
	}
	if err := run.completeStep(ctx); err != nil {
		return stepOutcome{}, err
	}
	if err := run.svc.completeOnboarding(ctx, run.sess); err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{consents: receipt, redirectTo: domain.PathDashboard}, nil
}

// ============================================================
// Validation
// ============================================================

func newStepValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	identifiers := map[string]func(string) bool{
		"ice":  domain.ValidateICE,
		"rc":   domain.ValidateRC,
		"if":   domain.ValidateIF,
		"rib":  domain.ValidateRIB,
		"iban": domain.ValidateIBAN,
	}
	for tag, fn := range identifiers {
		fn := fn
		if err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return fn(fl.Field().String())
		}); err != nil {
			panic(fmt.Sprintf("register %s validator: %v", tag, err))
		}
	}
	return v
}

var identifierMessages = map[string]string{
	"ice":  "ICE invalide : 15 chiffres attendus",
	"rc":   "RC invalide : au moins 6 caractères alphanumériques",
	"if":   "IF invalide : 8 chiffres attendus",
	"rib":  "RIB invalide : 24 chiffres attendus",
	"iban": "IBAN invalide : MA suivi de 22 chiffres",
}

// validationError turns validator output into one message per JSON field
// path, e.g. "owners[0].full_name".
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &domain.ErrValidation{Field: "body", Message: err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		fields[path] = fieldMessage(fe)
	}
	return &domain.ErrValidation{Message: "invalid step payload", Fields: fields}
}

func fieldMessage(fe validator.FieldError) string {
	if msg, ok := identifierMessages[fe.Tag()]; ok {
		return msg
	}
	switch fe.Tag() {
	case "required":
		if fe.Kind() == reflect.Bool {
			return "doit être accepté"
		}
		return "champ requis"
	case "min":
		if fe.Kind() == reflect.Slice {
			return "au moins " + fe.Param() + " élément(s) requis"
		}
		return "au moins " + fe.Param() + " caractères"
	case "gte", "lte":
		return "doit être entre 0.01 et 100"
	case "email":
		return "email invalide"
	case "url":
		return "URL invalide"
	case "datetime":
		return "date invalide (AAAA-MM-JJ)"
	case "oneof":
		return "valeur attendue parmi : " + fe.Param()
	default:
		return "valeur invalide"
	}
}
