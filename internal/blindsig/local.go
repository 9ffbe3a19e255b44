package blindsig

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// LocalScheme is a keyed-MAC stand-in for the real blind-signature protocol,
// used by tests and development runs. It is NOT anonymity-preserving: the
// "public key" is derived from a shared secret and verification recomputes
// signatures with that secret. The production scheme is injected instead.
type LocalScheme struct {
	key []byte
	pub string
}

// NewLocalScheme builds a scheme around a shared secret. The secret must be
// 1..64 bytes (blake2b key limit).
func NewLocalScheme(secret []byte) (*LocalScheme, error) {
	if len(secret) == 0 || len(secret) > 64 {
		return nil, fmt.Errorf("blindsig: secret must be 1..64 bytes, got %d", len(secret))
	}
	key := append([]byte(nil), secret...)
	return &LocalScheme{key: key, pub: b64(mac(key, "pub", nil))}, nil
}

// PublicKey returns the key identifier this scheme signs under.
func (s *LocalScheme) PublicKey() string { return s.pub }

// RandomToken returns 32 random bytes, base64-encoded.
func (s *LocalScheme) RandomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("blindsig: random token: %w", err)
	}
	return b64(buf), nil
}

// Blind derives the blinded form of a token.
func (s *LocalScheme) Blind(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("blindsig: decode token: %w", err)
	}
	return b64(mac(s.key, "blind", raw)), nil
}

// SignTokens plays the issuer side: it signs a batch of blinded tokens and
// produces the batch proof. Used by development issuers and test fixtures.
func (s *LocalScheme) SignTokens(blinded []string) (signed []string, proof string, err error) {
	signed = make([]string, 0, len(blinded))
	for _, b := range blinded {
		raw, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return nil, "", fmt.Errorf("blindsig: decode blinded token: %w", err)
		}
		signed = append(signed, b64(mac(s.key, "sign", raw)))
	}
	return signed, s.proofFor(signed), nil
}

// VerifyAndUnblind recomputes every signature and the batch proof, then
// yields one unblinded token per signed token.
func (s *LocalScheme) VerifyAndUnblind(proof string, tokens, blinded, signed []string, publicKey string) ([]string, error) {
	if len(tokens) != len(blinded) || len(blinded) != len(signed) {
		return nil, fmt.Errorf("blindsig: length mismatch tokens=%d blinded=%d signed=%d",
			len(tokens), len(blinded), len(signed))
	}
	if publicKey != s.pub {
		return nil, errors.New("blindsig: unknown public key")
	}
	for i, b := range blinded {
		raw, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return nil, fmt.Errorf("blindsig: decode blinded[%d]: %w", i, err)
		}
		want := b64(mac(s.key, "sign", raw))
		if subtle.ConstantTimeCompare([]byte(want), []byte(signed[i])) != 1 {
			return nil, fmt.Errorf("blindsig: signature mismatch at %d", i)
		}
	}
	if subtle.ConstantTimeCompare([]byte(s.proofFor(signed)), []byte(proof)) != 1 {
		return nil, errors.New("blindsig: batch proof mismatch")
	}
	out := make([]string, 0, len(signed))
	for i, t := range tokens {
		raw, err := base64.StdEncoding.DecodeString(t)
		if err != nil {
			return nil, fmt.Errorf("blindsig: decode token[%d]: %w", i, err)
		}
		out = append(out, b64(mac(s.key, "unblind", raw)))
	}
	return out, nil
}

// SignRedemption binds the unblinded token to a redemption payload. The
// preimage doubles as the spend identifier.
func (s *LocalScheme) SignRedemption(unblinded string, payload []byte) (RedemptionCredential, error) {
	raw, err := base64.StdEncoding.DecodeString(unblinded)
	if err != nil {
		return RedemptionCredential{}, fmt.Errorf("blindsig: decode unblinded token: %w", err)
	}
	h, err := blake2b.New256(raw[:min(len(raw), 64)])
	if err != nil {
		return RedemptionCredential{}, fmt.Errorf("blindsig: keyed hash: %w", err)
	}
	h.Write(payload)
	return RedemptionCredential{
		TokenPreimage: unblinded,
		Signature:     b64(h.Sum(nil)),
	}, nil
}

func (s *LocalScheme) proofFor(signed []string) string {
	return b64(mac(s.key, "proof", []byte(strings.Join(signed, "|"))))
}

func mac(key []byte, domain string, data []byte) []byte {
	h, err := blake2b.New256(key)
	if err != nil {
		// key length is validated at construction
		panic(err)
	}
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write(data)
	return h.Sum(nil)
}

func b64(raw []byte) string { return base64.StdEncoding.EncodeToString(raw) }
