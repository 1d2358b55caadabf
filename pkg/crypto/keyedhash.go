package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// webhookKeyInfo is the HKDF domain-separation label for webhook keys.
// The epoch is mixed in so rotation invalidates derived keys too.
const webhookKeyInfo = "warden/webhook/v1"

// DeriveWebhookKey derives the keyed-hash key for the webhook perimeter from
// the active signing seed. Derivation, not reuse: the signing key never
// touches HMAC directly.
func DeriveWebhookKey(signingSeed []byte, epoch uint64) ([]byte, error) {
	info := fmt.Sprintf("%s/%d", webhookKeyInfo, epoch)
	r := hkdf.New(sha256.New, signingSeed, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("webhook key derivation failed: %w", err)
	}
	return key, nil
}

// KeyedHash computes the hex HMAC-SHA256 of data under key.
func KeyedHash(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyKeyedHash checks a hex HMAC in constant time.
func VerifyKeyedHash(key, data []byte, sigHex string) bool {
	want, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), want)
}
