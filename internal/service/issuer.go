package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/token-ledger/internal/blindsig"
	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/issuerclient"
	"github.com/and161185/token-ledger/internal/model"
	"github.com/and161185/token-ledger/internal/repository"
)

// SKU tokens carry no issuer-set expiry; a far-future stamp keeps the
// schema uniform with promotion tokens.
const skuTokenTTL = 10 * 365 * 24 * time.Hour

// sweepFlag guards the once-per-install corruption sweep.
const sweepFlag = "corrupted_creds_swept"

// CredentialService drives a trigger's creds batch to finished, minting
// spendable unblinded tokens.
type CredentialService interface {
	// Issue advances the batch for the trigger from its persisted status.
	// Idempotent: a finished batch is a no-op success, an in-progress one
	// resumes where it stopped.
	Issue(ctx context.Context, trigger model.Trigger) error

	// SweepCorrupted re-verifies all signed/finished batches once per
	// install, marks failures corrupted, purges their tokens and reports
	// the corrupted claim ids to the issuer.
	SweepCorrupted(ctx context.Context) error

	// RefreshPromotions pulls the issuer's current announcements and stores
	// the ones not seen before as active. Known promotions keep their local
	// lifecycle state.
	RefreshPromotions(ctx context.Context) (int, error)

	// ExpirePromotions moves active and attested promotions past their
	// expiry to over.
	ExpirePromotions(ctx context.Context) (int64, error)
}

type CredentialServiceImpl struct {
	creds  repository.CredsRepository
	tokens repository.TokenRepository
	promos repository.PromotionRepository
	flags  repository.FlagRepository
	client issuerclient.Client
	scheme blindsig.Scheme
	log    *zap.Logger
	now    func() time.Time
}

// NewCredentialService constructs the credential issuing service.
func NewCredentialService(
	creds repository.CredsRepository,
	tokens repository.TokenRepository,
	promos repository.PromotionRepository,
	flags repository.FlagRepository,
	client issuerclient.Client,
	scheme blindsig.Scheme,
	log *zap.Logger,
) *CredentialServiceImpl {
	return &CredentialServiceImpl{
		creds:  creds,
		tokens: tokens,
		promos: promos,
		flags:  flags,
		client: client,
		scheme: scheme,
		log:    log,
		now:    time.Now,
	}
}

// Issue advances the trigger's batch through
// none → blinded → claimed → signed → finished.
func (s *CredentialServiceImpl) Issue(ctx context.Context, trigger model.Trigger) error {
	if trigger.ID == "" || trigger.Size == 0 {
		return errors.New("validation: empty trigger id or zero size")
	}

	batch, err := s.creds.GetBatch(ctx, trigger.ID, trigger.Kind)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		batch = &model.CredsBatch{
			BatchID:     id,
			TriggerID:   trigger.ID,
			TriggerKind: trigger.Kind,
			Status:      model.CredsNone,
		}
		if err := s.creds.CreateBatch(ctx, batch); err != nil && !errors.Is(err, errs.ErrAlreadyExists) {
			return err
		}
	case err != nil:
		return err
	}

	for {
		switch batch.Status {
		case model.CredsNone:
			err = s.blind(ctx, batch, trigger)
		case model.CredsBlinded:
			err = s.claim(ctx, batch, trigger)
		case model.CredsClaimed:
			err = s.fetchSigned(ctx, batch, trigger)
		case model.CredsSigned:
			err = s.finish(ctx, batch, trigger)
		case model.CredsFinished:
			return nil
		case model.CredsCorrupted:
			return errs.ErrCorrupted
		default:
			return fmt.Errorf("unknown creds status %q: %w", batch.Status, errs.ErrFailed)
		}
		if err != nil {
			return err
		}
	}
}

// blind mints size random tokens and persists their blinded forms.
func (s *CredentialServiceImpl) blind(ctx context.Context, batch *model.CredsBatch, trigger model.Trigger) error {
	tokens := make([]string, 0, trigger.Size)
	blinded := make([]string, 0, trigger.Size)
	for i := uint32(0); i < trigger.Size; i++ {
		t, err := s.scheme.RandomToken()
		if err != nil {
			return fmt.Errorf("generate token: %v: %w", err, errs.ErrFailed)
		}
		b, err := s.scheme.Blind(t)
		if err != nil {
			return fmt.Errorf("blind token: %v: %w", err, errs.ErrFailed)
		}
		tokens = append(tokens, t)
		blinded = append(blinded, b)
	}

	tj, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	bj, err := json.Marshal(blinded)
	if err != nil {
		return err
	}
	batch.TokensJSON = string(tj)
	batch.BlindedTokensJSON = string(bj)
	batch.Status = model.CredsBlinded
	if err := s.creds.UpdateBatch(ctx, batch); err != nil {
		return err
	}
	s.log.Info("creds blinded",
		zap.String("trigger", trigger.ID),
		zap.Uint32("size", trigger.Size),
	)
	return nil
}

// claim submits the blinded tokens to the issuer. An empty or undecodable
// blinded list resets the batch to none so the next pass re-blinds.
func (s *CredentialServiceImpl) claim(ctx context.Context, batch *model.CredsBatch, trigger model.Trigger) error {
	var blinded []string
	if err := json.Unmarshal([]byte(batch.BlindedTokensJSON), &blinded); err != nil || len(blinded) == 0 {
		s.log.Warn("blinded tokens missing, re-blinding", zap.String("trigger", trigger.ID))
		batch.Status = model.CredsNone
		batch.TokensJSON = ""
		batch.BlindedTokensJSON = ""
		if err := s.creds.UpdateBatch(ctx, batch); err != nil {
			return err
		}
		return errs.ErrRetry
	}

	claimID, err := s.client.ClaimBlindedTokens(ctx, trigger, blinded)
	if err != nil {
		return err
	}
	batch.ClaimID = claimID
	batch.Status = model.CredsClaimed
	if err := s.creds.UpdateBatch(ctx, batch); err != nil {
		return err
	}
	if trigger.Kind == model.TriggerPromotion {
		if err := s.promos.SetClaimID(ctx, trigger.ID, claimID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		// an accepted claim is the promotion's attestation
		if err := s.promos.SetStatus(ctx, trigger.ID, model.PromotionAttested); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
	}
	return nil
}

// fetchSigned pulls the signed batch for the claim and pins the signing key.
func (s *CredentialServiceImpl) fetchSigned(ctx context.Context, batch *model.CredsBatch, trigger model.Trigger) error {
	sb, err := s.client.FetchSignedTokens(ctx, trigger, batch.ClaimID)
	if err != nil {
		return err
	}

	if trigger.Kind == model.TriggerPromotion {
		promo, err := s.promos.Get(ctx, trigger.ID)
		if err != nil {
			return err
		}
		if !containsKey(promo.PublicKeys, sb.PublicKey) {
			return fmt.Errorf("issuer signed with unregistered key: %w", errs.ErrFailed)
		}
	}

	sj, err := json.Marshal(sb.SignedTokens)
	if err != nil {
		return err
	}
	batch.SignedTokensJSON = string(sj)
	batch.BatchProof = sb.BatchProof
	batch.PublicKey = sb.PublicKey
	batch.Status = model.CredsSigned
	return s.creds.UpdateBatch(ctx, batch)
}

// finish verifies the batch proof, unblinds and persists spendable tokens.
func (s *CredentialServiceImpl) finish(ctx context.Context, batch *model.CredsBatch, trigger model.Trigger) error {
	unblinded, err := s.unblindBatch(batch)
	if err != nil {
		s.log.Error("creds verification failed",
			zap.String("trigger", trigger.ID),
			zap.Error(err),
		)
		if uerr := s.creds.UpdateStatus(ctx, batch.BatchID, model.CredsCorrupted); uerr != nil {
			return uerr
		}
		batch.Status = model.CredsCorrupted
		if trigger.Kind == model.TriggerPromotion {
			if uerr := s.promos.SetStatus(ctx, trigger.ID, model.PromotionCorrupted); uerr != nil && !errors.Is(uerr, errs.ErrNotFound) {
				return uerr
			}
		}
		return errs.ErrCorrupted
	}

	value, expiresAt, err := s.tokenTerms(ctx, trigger)
	if err != nil {
		return err
	}

	out := make([]model.UnblindedToken, 0, len(unblinded))
	for _, u := range unblinded {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		out = append(out, model.UnblindedToken{
			ID:         id,
			TokenValue: u,
			PublicKey:  batch.PublicKey,
			Value:      value,
			BatchID:    batch.BatchID,
			ExpiresAt:  expiresAt,
		})
	}
	if err := s.tokens.InsertTokens(ctx, out); err != nil {
		return err
	}

	batch.Status = model.CredsFinished
	if err := s.creds.UpdateBatch(ctx, batch); err != nil {
		return err
	}
	if trigger.Kind == model.TriggerPromotion {
		if err := s.promos.SetStatus(ctx, trigger.ID, model.PromotionFinished); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
	}
	s.log.Info("creds finished",
		zap.String("trigger", trigger.ID),
		zap.Int("tokens", len(out)),
	)
	return nil
}

// unblindBatch decodes the stored lists and runs verify-and-unblind,
// enforcing count(unblinded) == count(signed).
func (s *CredentialServiceImpl) unblindBatch(batch *model.CredsBatch) ([]string, error) {
	var tokens, blinded, signed []string
	if err := json.Unmarshal([]byte(batch.TokensJSON), &tokens); err != nil {
		return nil, fmt.Errorf("decode tokens: %w", err)
	}
	if err := json.Unmarshal([]byte(batch.BlindedTokensJSON), &blinded); err != nil {
		return nil, fmt.Errorf("decode blinded tokens: %w", err)
	}
	if err := json.Unmarshal([]byte(batch.SignedTokensJSON), &signed); err != nil {
		return nil, fmt.Errorf("decode signed tokens: %w", err)
	}
	unblinded, err := s.scheme.VerifyAndUnblind(batch.BatchProof, tokens, blinded, signed, batch.PublicKey)
	if err != nil {
		return nil, err
	}
	if len(unblinded) != len(signed) {
		return nil, fmt.Errorf("unblinded %d of %d signed tokens", len(unblinded), len(signed))
	}
	return unblinded, nil
}

// tokenTerms resolves the per-token value and expiry for a trigger.
func (s *CredentialServiceImpl) tokenTerms(ctx context.Context, trigger model.Trigger) (float64, time.Time, error) {
	switch trigger.Kind {
	case model.TriggerPromotion:
		promo, err := s.promos.Get(ctx, trigger.ID)
		if err != nil {
			return 0, time.Time{}, err
		}
		return promo.TokenValue(), promo.ExpiresAt, nil
	case model.TriggerSKU:
		return model.SKUTokenValue, s.now().Add(skuTokenTTL), nil
	default:
		return 0, time.Time{}, fmt.Errorf("unknown trigger kind %q: %w", trigger.Kind, errs.ErrFailed)
	}
}

// SweepCorrupted re-verifies signed and finished batches, marks failed ones
// corrupted and reports their claim ids. The persisted flag makes the sweep
// run once per install; a failed report leaves the flag unset so the next
// pass retries.
func (s *CredentialServiceImpl) SweepCorrupted(ctx context.Context) error {
	done, err := s.flags.GetFlag(ctx, sweepFlag)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	batches, err := s.creds.ListByStatus(ctx, model.CredsSigned, model.CredsFinished)
	if err != nil {
		return err
	}

	var corrupted []string
	for i := range batches {
		b := &batches[i]
		if _, err := s.unblindBatch(b); err == nil {
			continue
		}
		s.log.Warn("sweep found corrupted batch",
			zap.String("trigger", b.TriggerID),
			zap.String("claim", b.ClaimID),
		)
		if err := s.creds.UpdateStatus(ctx, b.BatchID, model.CredsCorrupted); err != nil {
			return err
		}
		if err := s.tokens.DeleteByBatch(ctx, b.BatchID); err != nil {
			return err
		}
		if b.TriggerKind == model.TriggerPromotion {
			if err := s.promos.SetStatus(ctx, b.TriggerID, model.PromotionCorrupted); err != nil && !errors.Is(err, errs.ErrNotFound) {
				return err
			}
		}
		if b.ClaimID != "" {
			corrupted = append(corrupted, b.ClaimID)
		}
	}

	if len(corrupted) > 0 {
		if err := s.client.ReportCorruptedClaims(ctx, corrupted); err != nil {
			return err
		}
	}
	return s.flags.SetFlag(ctx, sweepFlag, true)
}

// RefreshPromotions stores newly announced promotions as active. Promotions
// the engine already tracks keep their local status.
func (s *CredentialServiceImpl) RefreshPromotions(ctx context.Context) (int, error) {
	announced, err := s.client.FetchPromotions(ctx)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, a := range announced {
		_, err := s.promos.Get(ctx, a.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return added, err
		}
		p := &model.Promotion{
			ID:               a.ID,
			Kind:             a.Kind,
			Status:           model.PromotionActive,
			Suggestions:      a.Suggestions,
			ApproximateValue: a.ApproximateValue,
			ExpiresAt:        a.ExpiresAt,
			PublicKeys:       a.PublicKeys,
		}
		if err := s.promos.Upsert(ctx, p); err != nil {
			return added, err
		}
		added++
		s.log.Info("promotion announced",
			zap.String("promotion", a.ID),
			zap.String("kind", a.Kind),
		)
	}
	return added, nil
}

// ExpirePromotions parks stale promotions in over so they are no longer
// claimable.
func (s *CredentialServiceImpl) ExpirePromotions(ctx context.Context) (int64, error) {
	return s.promos.MarkExpired(ctx, s.now())
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
