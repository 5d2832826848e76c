package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

const (
	HeaderSigner    = "X-Fanout-Signer"
	HeaderSignature = "X-Fanout-Signature"
	HeaderTimestamp = "X-Fanout-Timestamp"

	maxSignedBody = 1 << 20
)

var errUnauthorized = errors.New("unauthorized")

type signerKey struct{}

// SigningMessage is what a client signs for a request: the method, the path,
// the unix timestamp and the hex sha256 of the body, newline separated.
func SigningMessage(method, path string, timestamp int64, body []byte) []byte {
	sum := sha256.Sum256(body)
	return fmt.Appendf(nil, "%s\n%s\n%d\n%s", method, path, timestamp, hex.EncodeToString(sum[:]))
}

// verifySignature checks a base58 ed25519 signature by a base58 public key.
func verifySignature(publicKeyBase58, signatureBase58 string, message []byte) (solana.PublicKey, error) {
	publicKeyBytes, err := base58.Decode(publicKeyBase58)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return solana.PublicKey{}, fmt.Errorf("invalid public key size: expected %d, got %d", ed25519.PublicKeySize, len(publicKeyBytes))
	}
	signatureBytes, err := base58.Decode(signatureBase58)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to decode signature: %w", err)
	}
	if len(signatureBytes) != ed25519.SignatureSize {
		return solana.PublicKey{}, fmt.Errorf("invalid signature size: expected %d, got %d", ed25519.SignatureSize, len(signatureBytes))
	}
	if !ed25519.Verify(publicKeyBytes, message, signatureBytes) {
		return solana.PublicKey{}, errors.New("signature does not match")
	}
	return solana.PublicKeyFromBytes(publicKeyBytes), nil
}

// requireSignature verifies the request signature and stores the signer in
// the request context. Requests pass through untouched when signatures are
// not required.
func (s *Server) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.RequireSignatures {
			next.ServeHTTP(w, r)
			return
		}
		signer, err := s.verifyRequest(r)
		if err != nil {
			s.log.Debug("server: rejected unsigned request", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), signerKey{}, signer)))
	})
}

func (s *Server) verifyRequest(r *http.Request) (solana.PublicKey, error) {
	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s header", HeaderTimestamp)
	}
	age := s.cfg.Clock.Now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > s.cfg.SignatureMaxAge {
		return solana.PublicKey{}, errors.New("signature timestamp out of range")
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("failed to read body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	return verifySignature(r.Header.Get(HeaderSigner), r.Header.Get(HeaderSignature), SigningMessage(r.Method, r.URL.Path, ts, body))
}

// authorize checks that the verified signer is want. It writes the error
// response and returns false otherwise.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, want solana.PublicKey) bool {
	if !s.cfg.RequireSignatures {
		return true
	}
	signer, ok := r.Context().Value(signerKey{}).(solana.PublicKey)
	if !ok || !signer.Equals(want) {
		writeError(w, http.StatusForbidden, fmt.Sprintf("%v: signer is not the fanout authority", errUnauthorized))
		return false
	}
	return true
}
