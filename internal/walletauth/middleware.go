// Package walletauth authenticates requests by a wallet signature. A caller
// proves control of an address by signing timestamp||body with personal_sign.
package walletauth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderAddress   = "X-Wallet-Address"
	HeaderSignature = "X-Wallet-Signature"
	HeaderTimestamp = "X-Wallet-Timestamp"
)

var (
	ErrMissingAddress   = errors.New("missing wallet address")
	ErrMissingSignature = errors.New("missing wallet signature")
	ErrMissingTimestamp = errors.New("missing wallet timestamp")
	ErrStaleTimestamp   = errors.New("stale wallet timestamp")
	ErrInvalidAddress   = errors.New("invalid wallet address")
	ErrInvalidSignature = errors.New("invalid wallet signature")
)

type ctxKey struct{}

// WithAddress stores a verified wallet address in ctx.
func WithAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, ctxKey{}, addr)
}

// AddressFrom returns the verified wallet address, if any.
func AddressFrom(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(ctxKey{}).(string)
	return addr, ok && addr != ""
}

type Verifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
	// Required rejects requests without wallet headers instead of passing
	// them through unauthenticated.
	Required bool
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, err := v.verify(r)
		if errors.Is(err, ErrMissingAddress) && !v.Required {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAddress(r.Context(), addr)))
	})
}

func (v *Verifier) verify(r *http.Request) (string, error) {
	claimed := r.Header.Get(HeaderAddress)
	if claimed == "" {
		return "", ErrMissingAddress
	}
	if !common.IsHexAddress(claimed) {
		return "", ErrInvalidAddress
	}
	sigHex := r.Header.Get(HeaderSignature)
	if sigHex == "" {
		return "", ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "", ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	skew := v.MaxSkew
	if skew == 0 {
		skew = 5 * time.Minute
	}
	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > skew || reqTime.Sub(now) > skew {
		return "", ErrStaleTimestamp
	}

	body, err := readBody(r)
	if err != nil {
		return "", err
	}

	signer, err := Recover(tsHeader, body, sigHex)
	if err != nil {
		return "", err
	}
	if signer != common.HexToAddress(claimed) {
		return "", ErrInvalidSignature
	}
	return signer.Hex(), nil
}

// Recover returns the address that produced sigHex over timestamp||body.
func Recover(timestamp string, body []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	// wallets report V as 27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message(timestamp, body)), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces the X-Wallet-Signature value for timestamp||body.
func Sign(key *ecdsa.PrivateKey, timestamp string, body []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(message(timestamp, body)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func message(timestamp string, body []byte) []byte {
	return append([]byte(timestamp), body...)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
