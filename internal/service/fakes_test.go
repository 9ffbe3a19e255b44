package service

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-ledger/internal/blindsig"
	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/issuerclient"
	"github.com/and161185/token-ledger/internal/model"
	"github.com/and161185/token-ledger/internal/repository"
)

// ---- creds batches ----

type memCreds struct {
	batches map[string]model.CredsBatch // key: triggerID|kind
}

var _ repository.CredsRepository = (*memCreds)(nil)

func newMemCreds() *memCreds { return &memCreds{batches: map[string]model.CredsBatch{}} }

func credsKey(triggerID string, kind model.TriggerKind) string {
	return triggerID + "|" + string(kind)
}

func (m *memCreds) GetBatch(_ context.Context, triggerID string, kind model.TriggerKind) (*model.CredsBatch, error) {
	b, ok := m.batches[credsKey(triggerID, kind)]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := b
	return &cp, nil
}

func (m *memCreds) CreateBatch(_ context.Context, b *model.CredsBatch) error {
	k := credsKey(b.TriggerID, b.TriggerKind)
	if _, ok := m.batches[k]; ok {
		return errs.ErrAlreadyExists
	}
	m.batches[k] = *b
	return nil
}

func (m *memCreds) UpdateBatch(_ context.Context, b *model.CredsBatch) error {
	k := credsKey(b.TriggerID, b.TriggerKind)
	if _, ok := m.batches[k]; !ok {
		return errs.ErrNotFound
	}
	m.batches[k] = *b
	return nil
}

func (m *memCreds) UpdateStatus(_ context.Context, batchID uuid.UUID, status model.CredsBatchStatus) error {
	for k, b := range m.batches {
		if b.BatchID == batchID {
			b.Status = status
			m.batches[k] = b
			return nil
		}
	}
	return errs.ErrNotFound
}

func (m *memCreds) ListByStatus(_ context.Context, statuses ...model.CredsBatchStatus) ([]model.CredsBatch, error) {
	var out []model.CredsBatch
	for _, b := range m.batches {
		for _, st := range statuses {
			if b.Status == st {
				out = append(out, b)
				break
			}
		}
	}
	return out, nil
}

// ---- unblinded tokens ----

type memTokens struct {
	mu           sync.Mutex
	tokens       []model.UnblindedToken
	reserveCalls int
}

var _ repository.TokenRepository = (*memTokens)(nil)

func newMemTokens() *memTokens { return &memTokens{} }

// seed adds n spendable tokens of the given value.
func (m *memTokens) seed(n int, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.tokens = append(m.tokens, model.UnblindedToken{
			ID:         uuid.Must(uuid.NewV4()),
			TokenValue: base64.StdEncoding.EncodeToString(uuid.Must(uuid.NewV4()).Bytes()),
			Value:      value,
			ExpiresAt:  time.Now().Add(24 * time.Hour),
		})
	}
}

func (m *memTokens) InsertTokens(_ context.Context, tokens []model.UnblindedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, tokens...)
	return nil
}

func (m *memTokens) SpendableBalance(_ context.Context, now time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for i := range m.tokens {
		if m.tokens[i].Spendable(now) {
			sum += m.tokens[i].Value
		}
	}
	return sum, nil
}

func (m *memTokens) ReserveTokens(_ context.Context, contributionID string, n int) ([]model.UnblindedToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserveCalls++

	var existing []model.UnblindedToken
	for i := range m.tokens {
		if m.tokens[i].ReservedBy == contributionID && m.tokens[i].RedeemedAt.IsZero() {
			existing = append(existing, m.tokens[i])
		}
	}
	if len(existing) > 0 {
		return existing, nil
	}

	now := time.Now()
	var picked []int
	for i := range m.tokens {
		if m.tokens[i].Spendable(now) {
			picked = append(picked, i)
			if len(picked) == n {
				break
			}
		}
	}
	if len(picked) < n {
		return nil, errs.ErrNotEnoughFunds
	}
	var out []model.UnblindedToken
	for _, i := range picked {
		m.tokens[i].ReservedBy = contributionID
		out = append(out, m.tokens[i])
	}
	return out, nil
}

func (m *memTokens) ListReserved(_ context.Context, contributionID string) ([]model.UnblindedToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.UnblindedToken
	for i := range m.tokens {
		if m.tokens[i].ReservedBy == contributionID && m.tokens[i].RedeemedAt.IsZero() {
			out = append(out, m.tokens[i])
		}
	}
	return out, nil
}

func (m *memTokens) MarkRedeemed(_ context.Context, ids []uuid.UUID, redeemedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		for i := range m.tokens {
			if m.tokens[i].ID == id {
				m.tokens[i].RedeemedAt = redeemedAt
			}
		}
	}
	return nil
}

func (m *memTokens) ReleaseReservation(_ context.Context, contributionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tokens {
		if m.tokens[i].ReservedBy == contributionID && m.tokens[i].RedeemedAt.IsZero() {
			m.tokens[i].ReservedBy = ""
		}
	}
	return nil
}

func (m *memTokens) DeleteByBatch(_ context.Context, batchID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.tokens[:0]
	for i := range m.tokens {
		if m.tokens[i].BatchID != batchID {
			kept = append(kept, m.tokens[i])
		}
	}
	m.tokens = kept
	return nil
}

func (m *memTokens) reservedCount(contributionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.tokens {
		if m.tokens[i].ReservedBy == contributionID && m.tokens[i].RedeemedAt.IsZero() {
			n++
		}
	}
	return n
}

func (m *memTokens) redeemedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.tokens {
		if !m.tokens[i].RedeemedAt.IsZero() {
			n++
		}
	}
	return n
}

// ---- promotions and flags ----

type memPromos struct{ promos map[string]model.Promotion }

var _ repository.PromotionRepository = (*memPromos)(nil)

func newMemPromos(ps ...model.Promotion) *memPromos {
	m := &memPromos{promos: map[string]model.Promotion{}}
	for _, p := range ps {
		m.promos[p.ID] = p
	}
	return m
}

func (m *memPromos) Get(_ context.Context, id string) (*model.Promotion, error) {
	p, ok := m.promos[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (m *memPromos) Upsert(_ context.Context, p *model.Promotion) error {
	m.promos[p.ID] = *p
	return nil
}

func (m *memPromos) SetStatus(_ context.Context, id string, status model.PromotionStatus) error {
	p, ok := m.promos[id]
	if !ok {
		return errs.ErrNotFound
	}
	p.Status = status
	m.promos[id] = p
	return nil
}

func (m *memPromos) SetClaimID(_ context.Context, id, claimID string) error {
	p, ok := m.promos[id]
	if !ok {
		return errs.ErrNotFound
	}
	p.ClaimID = claimID
	m.promos[id] = p
	return nil
}

func (m *memPromos) MarkExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, p := range m.promos {
		if (p.Status == model.PromotionActive || p.Status == model.PromotionAttested) && p.ExpiresAt.Before(now) {
			p.Status = model.PromotionOver
			m.promos[id] = p
			n++
		}
	}
	return n, nil
}

type memFlags struct{ flags map[string]bool }

var _ repository.FlagRepository = (*memFlags)(nil)

func newMemFlags() *memFlags { return &memFlags{flags: map[string]bool{}} }

func (m *memFlags) GetFlag(_ context.Context, key string) (bool, error) { return m.flags[key], nil }
func (m *memFlags) SetFlag(_ context.Context, key string, value bool) error {
	m.flags[key] = value
	return nil
}

// ---- issuer client ----

type fakeIssuer struct {
	scheme *blindsig.LocalScheme

	claimCalls  int
	fetchCalls  int
	redeemCalls int

	fetchNotReady int  // times to answer "still signing"
	wrongKey      bool // sign with an unregistered key id

	claimErr  error
	redeemErr error

	announced   []issuerclient.PromotionAnnouncement
	lastBlinded []string
	redeemed    map[string]int // publisher key -> tokens redeemed
	reported    []string
}

var _ issuerclient.Client = (*fakeIssuer)(nil)

func newFakeIssuer(scheme *blindsig.LocalScheme) *fakeIssuer {
	return &fakeIssuer{scheme: scheme, redeemed: map[string]int{}}
}

func (f *fakeIssuer) FetchPromotions(_ context.Context) ([]issuerclient.PromotionAnnouncement, error) {
	return f.announced, nil
}

func (f *fakeIssuer) ClaimBlindedTokens(_ context.Context, _ model.Trigger, blinded []string) (string, error) {
	f.claimCalls++
	if f.claimErr != nil {
		return "", f.claimErr
	}
	f.lastBlinded = append([]string(nil), blinded...)
	return "claim-1", nil
}

func (f *fakeIssuer) FetchSignedTokens(_ context.Context, _ model.Trigger, _ string) (*issuerclient.SignedBatch, error) {
	f.fetchCalls++
	if f.fetchNotReady > 0 {
		f.fetchNotReady--
		return nil, errs.ErrRetryShort
	}
	signed, proof, err := f.scheme.SignTokens(f.lastBlinded)
	if err != nil {
		return nil, err
	}
	key := f.scheme.PublicKey()
	if f.wrongKey {
		key = "unregistered-key"
	}
	return &issuerclient.SignedBatch{SignedTokens: signed, BatchProof: proof, PublicKey: key}, nil
}

func (f *fakeIssuer) RedeemTokens(_ context.Context, _ model.Trigger, creds []blindsig.RedemptionCredential, publisherKey string) error {
	f.redeemCalls++
	if f.redeemErr != nil {
		return f.redeemErr
	}
	f.redeemed[publisherKey] += len(creds)
	return nil
}

func (f *fakeIssuer) ReportCorruptedClaims(_ context.Context, claimIDs []string) error {
	f.reported = append(f.reported, claimIDs...)
	return nil
}

// ---- contributions ----

type memContribs struct {
	mu       sync.Mutex
	contribs map[string]model.Contribution
}

var _ repository.ContributionRepository = (*memContribs)(nil)

func newMemContribs() *memContribs { return &memContribs{contribs: map[string]model.Contribution{}} }

func (m *memContribs) Create(_ context.Context, c *model.Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contribs[c.ID]; ok {
		return errs.ErrAlreadyExists
	}
	cp := *c
	cp.Publishers = append([]model.ContributionPublisher(nil), c.Publishers...)
	m.contribs[c.ID] = cp
	return nil
}

func (m *memContribs) Get(_ context.Context, id string) (*model.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contribs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := c
	cp.Publishers = append([]model.ContributionPublisher(nil), c.Publishers...)
	return &cp, nil
}

func (m *memContribs) SetStep(_ context.Context, id string, step model.ContributionStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contribs[id]
	if !ok {
		return errs.ErrNotFound
	}
	c.Step = step
	c.RetryCount = 0
	m.contribs[id] = c
	return nil
}

func (m *memContribs) IncrementRetry(_ context.Context, id string) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contribs[id]
	if !ok {
		return 0, errs.ErrNotFound
	}
	c.RetryCount++
	m.contribs[id] = c
	return c.RetryCount, nil
}

func (m *memContribs) SavePublishers(_ context.Context, id string, pubs []model.ContributionPublisher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contribs[id]
	if !ok {
		return errs.ErrNotFound
	}
	c.Publishers = append([]model.ContributionPublisher(nil), pubs...)
	m.contribs[id] = c
	return nil
}

func (m *memContribs) SetPublisherContributed(_ context.Context, id, publisherKey string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contribs[id]
	if !ok {
		return errs.ErrNotFound
	}
	for i := range c.Publishers {
		if c.Publishers[i].PublisherKey == publisherKey {
			c.Publishers[i].ContributedAmount = amount
			m.contribs[id] = c
			return nil
		}
	}
	return errs.ErrNotFound
}

func (m *memContribs) ListResumable(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, c := range m.contribs {
		if !c.Step.Terminal() {
			out = append(out, id)
		}
	}
	return out, nil
}

// ---- SKU orders ----

type memOrders struct {
	orders map[uuid.UUID]model.SKUOrder
	txs    map[string]model.SKUTransaction // orderID|destination
}

var _ repository.OrderRepository = (*memOrders)(nil)

func newMemOrders() *memOrders {
	return &memOrders{orders: map[uuid.UUID]model.SKUOrder{}, txs: map[string]model.SKUTransaction{}}
}

func (m *memOrders) CreateOrder(_ context.Context, o *model.SKUOrder) error {
	if _, ok := m.orders[o.ID]; ok {
		return errs.ErrAlreadyExists
	}
	cp := *o
	cp.Items = append([]model.SKUOrderItem(nil), o.Items...)
	m.orders[o.ID] = cp
	return nil
}

func (m *memOrders) GetOrder(_ context.Context, id uuid.UUID) (*model.SKUOrder, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := o
	return &cp, nil
}

func (m *memOrders) SetOrderStatus(_ context.Context, id uuid.UUID, status model.OrderStatus) error {
	o, ok := m.orders[id]
	if !ok {
		return errs.ErrNotFound
	}
	o.Status = status
	m.orders[id] = o
	return nil
}

func (m *memOrders) CreateTransaction(_ context.Context, t *model.SKUTransaction) error {
	k := t.OrderID.String() + "|" + t.Destination
	if _, ok := m.txs[k]; ok {
		return errs.ErrAlreadyExists
	}
	m.txs[k] = *t
	return nil
}

func (m *memOrders) GetTransaction(_ context.Context, orderID uuid.UUID, destination string) (*model.SKUTransaction, error) {
	t, ok := m.txs[orderID.String()+"|"+destination]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := t
	return &cp, nil
}

func (m *memOrders) SetTransactionStatus(_ context.Context, id uuid.UUID, status model.SKUTransactionStatus, externalID string) error {
	for k, t := range m.txs {
		if t.ID == id {
			t.Status = status
			t.ExternalID = externalID
			m.txs[k] = t
			return nil
		}
	}
	return errs.ErrNotFound
}

// ---- external transactions ----

type memExtTx struct {
	mu  sync.Mutex
	txs map[string]model.ExternalTransaction // contributionID|destination
}

var _ repository.ExternalTransactionRepository = (*memExtTx)(nil)

func newMemExtTx() *memExtTx { return &memExtTx{txs: map[string]model.ExternalTransaction{}} }

func (m *memExtTx) Get(_ context.Context, contributionID, destination string) (*model.ExternalTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[contributionID+"|"+destination]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := t
	return &cp, nil
}

func (m *memExtTx) Create(_ context.Context, t *model.ExternalTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := t.ContributionID + "|" + t.Destination
	if _, ok := m.txs[k]; ok {
		return errs.ErrAlreadyExists
	}
	m.txs[k] = *t
	return nil
}

func (m *memExtTx) MarkCompleted(_ context.Context, contributionID, destination string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := contributionID + "|" + destination
	t, ok := m.txs[k]
	if !ok {
		return errs.ErrNotFound
	}
	t.CompletedAt = at
	m.txs[k] = t
	return nil
}
