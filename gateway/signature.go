package gateway

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"pulsepool/chain"
	"pulsepool/ephemeral"
	"pulsepool/fault"
)

// Signature headers carried by signed worker requests.
const (
	HeaderAddress   = "X-Pool-Address"
	HeaderTimestamp = "X-Pool-Timestamp"
	HeaderNonce     = "X-Pool-Nonce"
	HeaderSignature = "X-Pool-Signature"
)

// maxSignatureSkew bounds how far a signed timestamp may drift from the
// server clock in either direction.
const maxSignatureSkew = 30 * time.Second

type contextKey string

const signerAddressKey contextKey = "signer_address"

// SignerAddress returns the lowercase wallet address verified by the
// signature middleware, or "" when the request was not signed.
func SignerAddress(ctx context.Context) string {
	addr, _ := ctx.Value(signerAddressKey).(string)
	return addr
}

// signedMessage is the exact byte string workers sign, personal-sign style.
func signedMessage(entity, address string, timestampMS int64, nonce string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%d:%s", entity, strings.ToLower(address), timestampMS, nonce))
}

// requireSignature verifies the per-request wallet signature when the
// deployment arms signatures; otherwise it passes requests through
// untouched. The nonce is burned before the handler runs, so a replay loses
// even when the first request later fails.
func (s *Server) requireSignature(entity string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !s.requireSignatures {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr, err := s.verifySignature(r, entity)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), signerAddressKey, addr)))
		})
	}
}

// verifySignature checks the four signature headers against the entity's
// canonical message and burns the nonce. It returns the verified lowercase
// address.
func (s *Server) verifySignature(r *http.Request, entity string) (string, error) {
	address := strings.TrimSpace(r.Header.Get(HeaderAddress))
	rawTimestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	rawSignature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if address == "" || rawTimestamp == "" || nonce == "" || rawSignature == "" {
		return "", fmt.Errorf("%w: missing signature headers", fault.ErrStaleOrReused)
	}
	if !chain.ValidAddress(address) {
		return "", fmt.Errorf("%w: malformed signer address", fault.ErrInvalidInput)
	}

	timestampMS, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: malformed timestamp", fault.ErrStaleOrReused)
	}
	now := s.now()
	drift := now.Sub(time.UnixMilli(timestampMS))
	if drift > maxSignatureSkew || drift < -maxSignatureSkew {
		return "", fmt.Errorf("%w: timestamp outside %s window", fault.ErrStaleOrReused, maxSignatureSkew)
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(rawSignature, "0x"))
	if err != nil || len(sig) != 65 {
		return "", fmt.Errorf("%w: signature must be 65 hex bytes", fault.ErrStaleOrReused)
	}
	// Wallets emit V as 27/28; recovery wants 0/1.
	recoverable := make([]byte, 65)
	copy(recoverable, sig)
	if recoverable[64] >= 27 {
		recoverable[64] -= 27
	}
	digest := accounts.TextHash(signedMessage(entity, address, timestampMS, nonce))
	pubKey, err := ethcrypto.SigToPub(digest, recoverable)
	if err != nil {
		return "", fmt.Errorf("%w: unrecoverable signature", fault.ErrStaleOrReused)
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if !strings.EqualFold(recovered.Hex(), address) {
		return "", fmt.Errorf("%w: signature does not match claimed address", fault.ErrStaleOrReused)
	}

	fresh, err := s.cache.SetNX(r.Context(), ephemeral.NonceKey(entity, strings.ToLower(address)+":"+nonce), "1", ephemeral.NonceTTL)
	if err != nil {
		return "", fmt.Errorf("%w: nonce store unavailable", fault.ErrStaleOrReused)
	}
	if !fresh {
		return "", fmt.Errorf("%w: nonce already used", fault.ErrStaleOrReused)
	}
	return strings.ToLower(address), nil
}
