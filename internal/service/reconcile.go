package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/token-ledger/internal/blindsig"
	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/issuerclient"
	"github.com/and161185/token-ledger/internal/model"
	"github.com/and161185/token-ledger/internal/repository"
)

// voteValue is the spend unit one token represents during allocation and
// redemption accounting.
const voteValue = model.SKUTokenValue

// orderNamespace derives deterministic SKU order ids from contribution ids,
// so a crashed external-transaction step finds its own order on resume.
var orderNamespace = uuid.Must(uuid.FromString("5d3f2a34-9c1e-4b86-b6a2-3f3b0f6b1a77"))

// ReconcileOptions carries the orchestrator's policy knobs.
type ReconcileOptions struct {
	MaxRetries     int32
	RewardsEnabled bool
	AutoContribute bool
	FeeAddress     string  // operator account receiving custodial payments and fees
	FeeRate        float64 // share of a custodial contribution paid as fee
}

// ReconcileService drives contributions through their persisted step machine.
type ReconcileService interface {
	// StartContribution validates, persists and immediately advances a new
	// contribution.
	StartContribution(ctx context.Context, c *model.Contribution) error

	// Advance resumes a contribution from its persisted step and runs it
	// forward until it completes, parks on a transient error, or reaches a
	// terminal state. Transient errors are returned for rescheduling;
	// terminal outcomes return nil.
	Advance(ctx context.Context, id string) error
}

type ReconcileServiceImpl struct {
	contribs repository.ContributionRepository
	tokens   repository.TokenRepository
	orders   repository.OrderRepository
	creds    CredentialService
	client   issuerclient.Client
	scheme   blindsig.Scheme
	transfer TransferService
	rnd      RandSource
	opts     ReconcileOptions
	log      *zap.Logger
	now      func() time.Time
}

// NewReconcileService constructs the reconciliation orchestrator.
func NewReconcileService(
	contribs repository.ContributionRepository,
	tokens repository.TokenRepository,
	orders repository.OrderRepository,
	creds CredentialService,
	client issuerclient.Client,
	scheme blindsig.Scheme,
	transfer TransferService,
	rnd RandSource,
	opts ReconcileOptions,
	log *zap.Logger,
) *ReconcileServiceImpl {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	return &ReconcileServiceImpl{
		contribs: contribs,
		tokens:   tokens,
		orders:   orders,
		creds:    creds,
		client:   client,
		scheme:   scheme,
		transfer: transfer,
		rnd:      rnd,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

// StartContribution validates and persists a new contribution, then advances it.
func (o *ReconcileServiceImpl) StartContribution(ctx context.Context, c *model.Contribution) error {
	if c.ID == "" {
		return errors.New("validation: empty contribution id")
	}
	if c.Amount <= 0 {
		return errors.New("validation: non-positive amount")
	}
	if c.Kind != model.KindAutoContribute && len(c.Publishers) == 0 {
		return errors.New("validation: tip without publishers")
	}
	var sum float64
	for i := range c.Publishers {
		if c.Publishers[i].PublisherKey == "" {
			return fmt.Errorf("validation: publisher[%d] empty key", i)
		}
		sum += c.Publishers[i].TotalAmount
	}
	if len(c.Publishers) > 0 && math.Abs(sum-c.Amount) > 1e-6 {
		return fmt.Errorf("validation: publisher amounts sum %.6f != amount %.6f", sum, c.Amount)
	}

	c.Step = model.StepStart
	c.RetryCount = 0
	if err := o.contribs.Create(ctx, c); err != nil && !errors.Is(err, errs.ErrAlreadyExists) {
		return err
	}
	return o.Advance(ctx, c.ID)
}

// Advance re-reads the persisted step after every transition and never
// restarts a contribution that moved past Start.
func (o *ReconcileServiceImpl) Advance(ctx context.Context, id string) error {
	for {
		c, err := o.contribs.Get(ctx, id)
		if err != nil {
			return err
		}
		if c.Step.Terminal() {
			return nil
		}
		if err := o.runStep(ctx, c); err != nil {
			return o.fail(ctx, c, err)
		}
	}
}

func (o *ReconcileServiceImpl) runStep(ctx context.Context, c *model.Contribution) error {
	switch c.Step {
	case model.StepStart:
		return o.stepStart(ctx, c)
	case model.StepExternalTransaction:
		return o.stepExternalTransaction(ctx, c)
	case model.StepPrepare:
		return o.stepPrepare(ctx, c)
	case model.StepReserve:
		return o.stepReserve(ctx, c)
	case model.StepCreds:
		return o.stepCreds(ctx, c)
	default:
		return fmt.Errorf("unknown step %q: %w", c.Step, errs.ErrFailed)
	}
}

// stepStart routes the contribution: custodial processors go through the SKU
// sub-flow, token-backed ones straight to Prepare.
func (o *ReconcileServiceImpl) stepStart(ctx context.Context, c *model.Contribution) error {
	if !o.opts.RewardsEnabled {
		return o.terminal(ctx, c, model.StepRewardsOff)
	}
	if c.Kind == model.KindAutoContribute {
		if !o.opts.AutoContribute {
			return o.terminal(ctx, c, model.StepAutoContributeOff)
		}
		if len(c.Publishers) == 0 {
			return o.terminal(ctx, c, model.StepNoPublishers)
		}
	}
	if c.Processor.Custodial() {
		return o.contribs.SetStep(ctx, c.ID, model.StepExternalTransaction)
	}
	return o.contribs.SetStep(ctx, c.ID, model.StepPrepare)
}

// stepExternalTransaction funds the contribution through an SKU order: the
// order is paid from the linked wallet, and once settled the order id becomes
// the trigger that mints the tokens later steps redeem.
func (o *ReconcileServiceImpl) stepExternalTransaction(ctx context.Context, c *model.Contribution) error {
	order, err := o.ensureOrder(ctx, c)
	if err != nil {
		return err
	}

	if order.Status == model.OrderPending {
		tx, err := o.transfer.Transfer(ctx, c.ID, o.opts.FeeAddress, c.Amount, c.Processor)
		if err != nil {
			return err
		}
		skuTx, err := o.orders.GetTransaction(ctx, order.ID, o.opts.FeeAddress)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			txID, err := uuid.NewV4()
			if err != nil {
				return err
			}
			skuTx = &model.SKUTransaction{
				ID:          txID,
				OrderID:     order.ID,
				Destination: o.opts.FeeAddress,
				ExternalID:  tx.TransactionID,
				Status:      model.SKUTxCompleted,
				Amount:      c.Amount,
			}
			if err := o.orders.CreateTransaction(ctx, skuTx); err != nil && !errors.Is(err, errs.ErrAlreadyExists) {
				return err
			}
		case err != nil:
			return err
		default:
			if err := o.orders.SetTransactionStatus(ctx, skuTx.ID, model.SKUTxCompleted, tx.TransactionID); err != nil {
				return err
			}
		}
		if err := o.orders.SetOrderStatus(ctx, order.ID, model.OrderPaid); err != nil {
			return err
		}
		order.Status = model.OrderPaid
	}

	// mint tokens against the paid order; resumes from the persisted batch
	trigger := model.Trigger{
		ID:   order.ID.String(),
		Kind: model.TriggerSKU,
		Size: votesFor(c.Amount),
		Data: []string{c.ID},
	}
	if err := o.creds.Issue(ctx, trigger); err != nil {
		return err
	}
	if err := o.orders.SetOrderStatus(ctx, order.ID, model.OrderFulfilled); err != nil {
		return err
	}
	return o.contribs.SetStep(ctx, c.ID, model.StepPrepare)
}

// stepPrepare checks funds and, for auto-contribute, computes the publisher
// partition with the statistical allocator.
func (o *ReconcileServiceImpl) stepPrepare(ctx context.Context, c *model.Contribution) error {
	balance, err := o.tokens.SpendableBalance(ctx, o.now())
	if err != nil {
		return err
	}
	if balance+1e-9 < c.Amount {
		return errs.ErrNotEnoughFunds
	}

	if c.Kind == model.KindAutoContribute {
		shares := AllocateVotes(votesFor(c.Amount), c.Publishers, c.Amount, o.rnd)
		if len(shares) == 0 {
			return o.terminal(ctx, c, model.StepNoPublishers)
		}
		pubs := make([]model.ContributionPublisher, 0, len(shares))
		for _, sh := range shares {
			pubs = append(pubs, model.ContributionPublisher{
				ContributionID: c.ID,
				PublisherKey:   sh.PublisherKey,
				TotalAmount:    sh.Amount,
			})
		}
		if err := o.contribs.SavePublishers(ctx, c.ID, pubs); err != nil {
			return err
		}
	}
	return o.contribs.SetStep(ctx, c.ID, model.StepReserve)
}

// stepReserve takes an exclusive reservation on the tokens this contribution
// will spend. The repository returns the existing reservation on resume.
func (o *ReconcileServiceImpl) stepReserve(ctx context.Context, c *model.Contribution) error {
	if _, err := o.tokens.ReserveTokens(ctx, c.ID, int(votesFor(c.Amount))); err != nil {
		return err
	}
	return o.contribs.SetStep(ctx, c.ID, model.StepCreds)
}

// stepCreds redeems reserved tokens publisher by publisher. Redemptions are
// sequential so the step stays resumable at publisher granularity.
func (o *ReconcileServiceImpl) stepCreds(ctx context.Context, c *model.Contribution) error {
	reserved, err := o.tokens.ListReserved(ctx, c.ID)
	if err != nil {
		return err
	}

	trigger := model.Trigger{ID: c.ID, Kind: redemptionKind(c.Processor)}
	counts := splitTokens(c.Publishers)
	cursor := 0
	for i := range c.Publishers {
		p := &c.Publishers[i]
		if p.ContributedAmount >= p.TotalAmount {
			continue
		}
		n := counts[i]
		if n == 0 {
			if err := o.contribs.SetPublisherContributed(ctx, c.ID, p.PublisherKey, p.TotalAmount); err != nil {
				return err
			}
			continue
		}
		if cursor+n > len(reserved) {
			return fmt.Errorf("reserved %d tokens, need %d more for %s: %w",
				len(reserved), cursor+n-len(reserved), p.PublisherKey, errs.ErrFailed)
		}
		slice := reserved[cursor : cursor+n]

		creds, ids, err := o.signRedemption(slice, p.PublisherKey)
		if err != nil {
			return err
		}
		if err := o.client.RedeemTokens(ctx, trigger, creds, p.PublisherKey); err != nil {
			return err
		}
		if err := o.tokens.MarkRedeemed(ctx, ids, o.now()); err != nil {
			return err
		}
		if err := o.contribs.SetPublisherContributed(ctx, c.ID, p.PublisherKey, p.TotalAmount); err != nil {
			return err
		}
		cursor += n
		o.log.Info("publisher redeemed",
			zap.String("contribution", c.ID),
			zap.String("publisher", p.PublisherKey),
			zap.Int("tokens", n),
		)
	}

	if err := o.terminal(ctx, c, model.StepCompleted); err != nil {
		return err
	}
	o.payFee(ctx, c)
	return nil
}

// splitTokens divides the contribution's redeemable tokens across its
// publishers. Per-publisher rounding cannot be independent: the counts must
// sum to a total the reservation covers, so every whole token goes out first
// and the largest fractional remainders take the leftovers. The result is
// deterministic, which keeps resumed runs aligned with the tokens already
// redeemed.
func splitTokens(pubs []model.ContributionPublisher) []int {
	raw := make([]float64, len(pubs))
	var sum float64
	for i := range pubs {
		raw[i] = pubs[i].TotalAmount / voteValue
		sum += raw[i]
	}
	total := int(math.Round(sum))

	counts := make([]int, len(pubs))
	rest := total
	for i := range raw {
		counts[i] = int(math.Floor(raw[i]))
		rest -= counts[i]
	}

	order := make([]int, len(pubs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		fa := raw[order[a]] - math.Floor(raw[order[a]])
		fb := raw[order[b]] - math.Floor(raw[order[b]])
		return fa > fb
	})
	for i := 0; i < rest && i < len(order); i++ {
		counts[order[i]]++
	}
	return counts
}

// payFee settles the operator fee for custodial contributions. Failure does
// not block completion; the transfer service already bounded its attempts.
func (o *ReconcileServiceImpl) payFee(ctx context.Context, c *model.Contribution) {
	if !c.Processor.Custodial() || o.opts.FeeRate == 0 || o.opts.FeeAddress == "" {
		return
	}
	fee := c.Amount * o.opts.FeeRate
	if err := o.transfer.TransferFee(ctx, c.ID, o.opts.FeeAddress, fee, c.Processor); err != nil {
		o.log.Warn("fee transfer parked",
			zap.String("contribution", c.ID),
			zap.Error(err),
		)
	}
}

// signRedemption builds the per-token redemption credentials for a publisher.
func (o *ReconcileServiceImpl) signRedemption(tokens []model.UnblindedToken, publisherKey string) ([]blindsig.RedemptionCredential, []uuid.UUID, error) {
	payload, err := json.Marshal(map[string]string{"publisher": publisherKey})
	if err != nil {
		return nil, nil, err
	}
	creds := make([]blindsig.RedemptionCredential, 0, len(tokens))
	ids := make([]uuid.UUID, 0, len(tokens))
	for i := range tokens {
		cred, err := o.scheme.SignRedemption(tokens[i].TokenValue, payload)
		if err != nil {
			return nil, nil, fmt.Errorf("sign redemption: %v: %w", err, errs.ErrFailed)
		}
		creds = append(creds, cred)
		ids = append(ids, tokens[i].ID)
	}
	return creds, ids, nil
}

// ensureOrder finds or creates the deterministic SKU order for a custodial
// contribution.
func (o *ReconcileServiceImpl) ensureOrder(ctx context.Context, c *model.Contribution) (*model.SKUOrder, error) {
	orderID := uuid.NewV5(orderNamespace, c.ID)
	order, err := o.orders.GetOrder(ctx, orderID)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	itemID, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	order = &model.SKUOrder{
		ID:         orderID,
		TotalPrice: c.Amount,
		Status:     model.OrderPending,
		Items: []model.SKUOrderItem{{
			ID:       itemID,
			OrderID:  orderID,
			SKU:      "contribution-vote",
			Quantity: votesFor(c.Amount),
			Price:    voteValue,
			Total:    c.Amount,
		}},
	}
	if err := o.orders.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// fail applies the error taxonomy: transient errors bump retry_count and
// bubble up for rescheduling, everything else lands in a terminal step.
func (o *ReconcileServiceImpl) fail(ctx context.Context, c *model.Contribution, err error) error {
	switch {
	case errs.IsTransient(err):
		n, ierr := o.contribs.IncrementRetry(ctx, c.ID)
		if ierr != nil {
			return ierr
		}
		if n > o.opts.MaxRetries {
			o.log.Error("retry budget exhausted",
				zap.String("contribution", c.ID),
				zap.Int32("retries", n),
			)
			return o.terminal(ctx, c, model.StepRetryLimitExceeded)
		}
		return err
	case errors.Is(err, errs.ErrNotEnoughFunds):
		return o.terminal(ctx, c, model.StepNotEnoughFunds)
	case errors.Is(err, errs.ErrCorrupted):
		o.log.Error("contribution hit corrupted creds", zap.String("contribution", c.ID))
		return o.terminal(ctx, c, model.StepFailed)
	default:
		o.log.Error("contribution failed",
			zap.String("contribution", c.ID),
			zap.String("step", string(c.Step)),
			zap.Error(err),
		)
		return o.terminal(ctx, c, model.StepFailed)
	}
}

// terminal parks the contribution in an end state and releases any unredeemed
// token reservation it still holds. Completed contributions release too: a
// reservation rounded up past the redeemable count must not hold token value
// out of the spendable balance forever.
func (o *ReconcileServiceImpl) terminal(ctx context.Context, c *model.Contribution, step model.ContributionStep) error {
	if err := o.contribs.SetStep(ctx, c.ID, step); err != nil {
		return err
	}
	return o.tokens.ReleaseReservation(ctx, c.ID)
}

// votesFor converts an amount into a discrete token count.
func votesFor(amount float64) uint32 {
	return uint32(math.Ceil(amount / voteValue))
}

// redemptionKind maps a processor to the trigger kind its redemptions report.
func redemptionKind(p model.Processor) model.TriggerKind {
	if p.Custodial() {
		return model.TriggerSKU
	}
	return model.TriggerPromotion
}
