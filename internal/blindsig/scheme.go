// Package blindsig defines the blind-signature capability the credential
// issuer runs on. All token forms travel as base64 strings so they can be
// persisted and shipped over JSON unchanged.
package blindsig

// RedemptionCredential is what a publisher redemption submits per token:
// the token preimage and a signature binding it to the redemption payload.
type RedemptionCredential struct {
	TokenPreimage string `json:"t"`
	Signature     string `json:"signature"`
}

// Scheme is the blind-signature protocol used to mint and spend tokens.
// Implementations must be safe for concurrent use.
type Scheme interface {
	// RandomToken generates a fresh random token.
	RandomToken() (string, error)

	// Blind transforms a token into its blinded form for submission to the
	// issuer.
	Blind(token string) (string, error)

	// VerifyAndUnblind checks the issuer's batch proof over the signed
	// tokens and, on success, returns one unblinded (spendable) token per
	// signed token. Any decode, length or proof failure returns an error;
	// callers treat every error from here as data corruption.
	VerifyAndUnblind(proof string, tokens, blinded, signed []string, publicKey string) ([]string, error)

	// SignRedemption produces the per-token credential submitted when the
	// unblinded token is spent against a redemption payload.
	SignRedemption(unblinded string, payload []byte) (RedemptionCredential, error)
}
