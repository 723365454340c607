package consent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Signer computes the keyed digest that binds a consent to its grant parameters.
// Purposes are joined in the order given; callers must not reorder them between
// generation and verification.
type Signer struct {
	key []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret)}
}

// Sign returns hex(HMAC-SHA256(userID ∥ partnerID ∥ join(purposes, ",") ∥ timestamp ∥ epoch)).
func (s *Signer) Sign(userID, partnerID string, purposes []string, timestamp string, epoch int) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(userID))
	mac.Write([]byte(partnerID))
	mac.Write([]byte(strings.Join(purposes, ",")))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(strconv.Itoa(epoch)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignConsent signs c at its current epoch.
func (s *Signer) SignConsent(c *Consent) string {
	return s.Sign(c.UserID, c.PartnerID, c.PurposeStrings(), FormatTimestamp(c.GrantedAt), c.Epoch)
}

// Verify recomputes the signature at the current epoch. Only ACTIVE records verify.
func (s *Signer) Verify(c *Consent) bool {
	if c.Status != StatusActive {
		return false
	}
	expected := s.SignConsent(c)
	return hmac.Equal([]byte(expected), []byte(c.Signature))
}
