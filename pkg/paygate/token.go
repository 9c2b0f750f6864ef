package paygate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/hkdf"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
)

const (
	tokenSeparator = "."
	kdfLabel       = "clearclaim-paygate-kdf"
)

// macKey derives the per-payment MAC key: HKDF-SHA256 over the gateway
// secret with the payment id as info, so every payment gets its own key.
func macKey(secret []byte, paymentID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, []byte(kdfLabel), []byte(paymentID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("paygate: derive mac key: %w", err)
	}
	return key, nil
}

// binding is the canonical JSON document the receipt MAC signs. Canonical
// form keeps the MAC independent of map iteration order.
func binding(paymentID, claimID string, kind claims.VerifierKind) ([]byte, error) {
	raw, err := json.Marshal(map[string]string{
		"payment_id": paymentID,
		"claim_id":   claimID,
		"kind":       string(kind),
	})
	if err != nil {
		return nil, fmt.Errorf("paygate: marshal binding: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("paygate: canonicalize binding: %w", err)
	}
	return canonical, nil
}

func computeMAC(secret []byte, paymentID, claimID string, kind claims.VerifierKind) (string, error) {
	key, err := macKey(secret, paymentID)
	if err != nil {
		return "", err
	}
	bound, err := binding(paymentID, claimID, kind)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(bound)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// MintReceiptToken builds the opaque receipt token for one settled payment:
// base64(payment_id '.' hex MAC). Consumers treat the shape as opaque.
func MintReceiptToken(secret []byte, paymentID, claimID string, kind claims.VerifierKind) (string, error) {
	mac, err := computeMAC(secret, paymentID, claimID, kind)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString([]byte(paymentID + tokenSeparator + mac)), nil
}

// ReceiptPaymentID extracts the payment id a receipt token names. It does
// not check the MAC; callers validate with ValidateReceipt afterwards.
func ReceiptPaymentID(token string) (string, bool) {
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", false
	}
	parts := strings.SplitN(string(decoded), tokenSeparator, 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", false
	}
	return parts[0], true
}

// ValidateReceipt accepts a token iff it decodes, carries the separator,
// names the expected payment id, and its MAC matches the derivation for
// that payment id.
func ValidateReceipt(secret []byte, token, paymentID, claimID string, kind claims.VerifierKind) bool {
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return false
	}
	parts := strings.SplitN(string(decoded), tokenSeparator, 2)
	if len(parts) != 2 || parts[0] != paymentID {
		return false
	}
	want, err := computeMAC(secret, paymentID, claimID, kind)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(parts[1]), []byte(want))
}
