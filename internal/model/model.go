// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// TriggerKind identifies why tokens are being minted or redeemed.
type TriggerKind string

const (
	TriggerPromotion TriggerKind = "promotion"
	TriggerSKU       TriggerKind = "sku"
)

// Trigger is the immutable reason for a creds batch: a promotion claim or an
// SKU order item. Data keeps its insertion order (promotions put the
// promotion id first).
type Trigger struct {
	ID   string
	Kind TriggerKind
	Size uint32   // number of tokens to mint
	Data []string // ordered opaque payload forwarded to the issuer
}

// CredsBatchStatus is the lifecycle of one trigger's blind-signature run.
type CredsBatchStatus string

const (
	CredsNone      CredsBatchStatus = "none"
	CredsBlinded   CredsBatchStatus = "blinded"
	CredsClaimed   CredsBatchStatus = "claimed"
	CredsSigned    CredsBatchStatus = "signed"
	CredsFinished  CredsBatchStatus = "finished"
	CredsCorrupted CredsBatchStatus = "corrupted"
)

// CredsBatch is the persisted record of one trigger's blind-signature
// lifecycle. Exactly one batch exists per (TriggerID, TriggerKind).
type CredsBatch struct {
	BatchID           uuid.UUID
	TriggerID         string
	TriggerKind       TriggerKind
	Status            CredsBatchStatus
	ClaimID           string
	TokensJSON        string // base64 raw tokens, JSON array
	BlindedTokensJSON string // base64 blinded tokens, JSON array
	SignedTokensJSON  string // base64 signed tokens, JSON array
	BatchProof        string
	PublicKey         string
	CreatedAt         time.Time
}

// UnblindedToken is the spendable unit. Created only by a successful unblind;
// reserved then marked redeemed by reconciliation; never otherwise mutated.
type UnblindedToken struct {
	ID         uuid.UUID
	TokenValue string // base64 unblinded token
	PublicKey  string
	Value      float64 // spend value of this token
	BatchID    uuid.UUID
	ExpiresAt  time.Time
	ReservedBy string // contribution id holding the reservation, empty if free
	RedeemedAt time.Time
}

// Spendable reports whether the token can still back a contribution.
func (t UnblindedToken) Spendable(now time.Time) bool {
	return t.RedeemedAt.IsZero() && t.ReservedBy == "" &&
		(t.ExpiresAt.IsZero() || t.ExpiresAt.After(now))
}

// ContributionKind distinguishes the budgeted flows.
type ContributionKind string

const (
	KindAutoContribute ContributionKind = "auto-contribute"
	KindOneTimeTip     ContributionKind = "one-time-tip"
	KindRecurringTip   ContributionKind = "recurring-tip"
)

// Processor selects how a contribution is funded.
type Processor string

const (
	ProcessorTokens   Processor = "blinded-tokens"
	ProcessorUphold   Processor = "uphold"
	ProcessorGemini   Processor = "gemini"
	ProcessorBitflyer Processor = "bitflyer"
)

// Custodial reports whether the processor pays through a linked wallet
// rather than redeemed tokens.
func (p Processor) Custodial() bool { return p != ProcessorTokens }

// ContributionStep is the persisted position of a contribution in its
// reconciliation state machine. The step only moves forward; terminal steps
// never change again.
type ContributionStep string

const (
	StepStart               ContributionStep = "start"
	StepExternalTransaction ContributionStep = "external-transaction"
	StepPrepare             ContributionStep = "prepare"
	StepReserve             ContributionStep = "reserve"
	StepCreds               ContributionStep = "creds"
	StepCompleted           ContributionStep = "completed"

	// Terminal failure steps, user-visible.
	StepFailed             ContributionStep = "failed"
	StepNotEnoughFunds     ContributionStep = "not-enough-funds"
	StepRewardsOff         ContributionStep = "rewards-off"
	StepAutoContributeOff  ContributionStep = "auto-contribute-off"
	StepNoPublishers       ContributionStep = "no-publishers"
	StepRetryLimitExceeded ContributionStep = "retry-limit"
)

// Terminal reports whether the step is an end state.
func (s ContributionStep) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepNotEnoughFunds, StepRewardsOff,
		StepAutoContributeOff, StepNoPublishers, StepRetryLimitExceeded:
		return true
	}
	return false
}

// Contribution is one budgeted payout being reconciled.
type Contribution struct {
	ID         string
	Amount     float64
	Kind       ContributionKind
	Step       ContributionStep
	RetryCount int32
	Processor  Processor
	CreatedAt  time.Time
	Publishers []ContributionPublisher
}

// ContributionPublisher is one recipient's share of a contribution.
// TotalAmount values partition Contribution.Amount; ContributedAmount never
// exceeds TotalAmount.
type ContributionPublisher struct {
	ContributionID    string
	PublisherKey      string
	TotalAmount       float64
	ContributedAmount float64
}

// OrderStatus is the SKU order lifecycle. Monotone except for externally
// driven reversal to canceled.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderFulfilled OrderStatus = "fulfilled"
	OrderCanceled  OrderStatus = "canceled"
)

// SKUOrder groups the items bought to fund a custodial contribution.
type SKUOrder struct {
	ID         uuid.UUID
	TotalPrice float64
	Status     OrderStatus
	Location   string
	CreatedAt  time.Time
	Items      []SKUOrderItem
}

// SKUOrderItem is one purchasable line of an order.
type SKUOrderItem struct {
	ID       uuid.UUID
	OrderID  uuid.UUID
	SKU      string
	Quantity uint32
	Price    float64 // unit price
	Total    float64
}

// SKUTransactionStatus tracks settlement of an order's payment.
type SKUTransactionStatus string

const (
	SKUTxCreated   SKUTransactionStatus = "created"
	SKUTxSubmitted SKUTransactionStatus = "submitted"
	SKUTxCompleted SKUTransactionStatus = "completed"
)

// SKUTransaction is the payment attempt for an order. At most one open
// transaction exists per (order, destination).
type SKUTransaction struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	Destination string
	ExternalID  string
	Status      SKUTransactionStatus
	Amount      float64
}

// ExternalTransaction is the idempotency record for a custodial transfer,
// unique on (ContributionID, Destination).
type ExternalTransaction struct {
	TransactionID  string // provider-assigned id
	ContributionID string
	Destination    string
	Amount         float64
	CompletedAt    time.Time
}

// PromotionStatus is a one-way machine: Active → Attested → Finished, with
// Over (expired) and Corrupted reachable from the non-terminal states.
type PromotionStatus string

const (
	PromotionActive    PromotionStatus = "active"
	PromotionAttested  PromotionStatus = "attested"
	PromotionFinished  PromotionStatus = "finished"
	PromotionOver      PromotionStatus = "over"
	PromotionCorrupted PromotionStatus = "corrupted"
)

// Promotion is a grant of claimable tokens announced by the issuer.
type Promotion struct {
	ID               string
	Kind             string // issuer-defined grant type, e.g. "ugp" or "ads"
	Status           PromotionStatus
	Suggestions      uint32 // token count granted by the promotion
	ApproximateValue float64
	ExpiresAt        time.Time
	ClaimID          string
	PublicKeys       []string // keys the issuer may sign this promotion with
}

// TokenValue is the spend value of one token minted for this promotion.
func (p Promotion) TokenValue() float64 {
	if p.Suggestions == 0 {
		return 0
	}
	return p.ApproximateValue / float64(p.Suggestions)
}

// SKUTokenValue is the fixed spend value of one SKU-minted token.
const SKUTokenValue = 0.25
