// Package workerauth implements the HMAC request authentication shared by the
// host and its worker nodes: SHA-256 HMAC over timestamp, request id, and
// body, with a TTL window and persisted nonces for replay protection.
package workerauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Header names carried on every authenticated worker request.
const (
	HeaderHMAC      = "X-Worker-HMAC"
	HeaderTimestamp = "X-Worker-Timestamp"
	HeaderRequestID = "X-Worker-RequestId"
)

// Verification failure codes, in check order.
const (
	FailMissingHeaders   = "MISSING_HEADERS"
	FailInvalidTimestamp = "INVALID_TIMESTAMP"
	FailTTLExpired       = "TTL_EXPIRED"
	FailReplayDetected   = "REPLAY_DETECTED"
	FailHMACInvalid      = "HMAC_INVALID"
)

// Signature computes the hex HMAC-SHA256 over timestamp + "\n" + requestId +
// "\n" + body with the shared secret.
func Signature(secret, timestamp, requestID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(requestID))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign stamps the outbound request with a fresh request id, the current
// millisecond timestamp, and the matching HMAC headers.
func Sign(req *http.Request, secret string, body []byte) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	id := uuid.NewString()
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderRequestID, id)
	req.Header.Set(HeaderHMAC, Signature(secret, ts, id, body))
}

// Verifier checks inbound worker requests against the shared secret and the
// persisted nonce table.
type Verifier struct {
	store  *store.Store
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewVerifier builds a verifier with the given replay TTL.
func NewVerifier(st *store.Store, ttl time.Duration, logger *slog.Logger) *Verifier {
	return &Verifier{store: st, logger: logger, ttl: ttl, now: time.Now}
}

// Verify runs the ordered checks and persists the nonce on success. The
// returned code is empty when the request authenticates.
func (v *Verifier) Verify(secret string, header http.Header, body []byte) (code string, err error) {
	gotMAC := header.Get(HeaderHMAC)
	gotTS := header.Get(HeaderTimestamp)
	gotID := header.Get(HeaderRequestID)
	if gotMAC == "" || gotTS == "" || gotID == "" {
		return FailMissingHeaders, nil
	}

	ms, parseErr := strconv.ParseInt(gotTS, 10, 64)
	if parseErr != nil {
		return FailInvalidTimestamp, nil
	}

	now := v.now()
	skew := now.Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.ttl {
		return FailTTLExpired, nil
	}

	seen, err := v.store.NonceSeen(gotID)
	if err != nil {
		return "", err
	}
	if seen {
		return FailReplayDetected, nil
	}

	want := Signature(secret, gotTS, gotID, body)
	if !hmac.Equal([]byte(want), []byte(gotMAC)) {
		return FailHMACInvalid, nil
	}

	// Claim the nonce only after the signature holds, so garbage requests
	// cannot fill the table.
	inserted, err := v.store.InsertNonce(gotID, now)
	if err != nil {
		return "", err
	}
	if !inserted {
		return FailReplayDetected, nil
	}
	return "", nil
}

// RunJanitor purges expired nonces on the given interval and caps the table
// size, until the context is cancelled.
func (v *Verifier) RunJanitor(ctx context.Context, interval time.Duration, cap int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.store.PurgeNonces(v.now().Add(-v.ttl), cap); err != nil {
				v.logger.Warn("nonce purge failed", "error", err)
			}
		}
	}
}
