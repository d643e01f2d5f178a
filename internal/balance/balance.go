// Package balance holds the per-address sample model shared by the upstream
// clients, the batch scheduler and the reducers.
package balance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// Fetcher performs exactly one upstream query for a key. For the block
// explorer the key is an account address, for the contract reader it is a
// registered read ID.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (*Sample, error)
}

// Sample is a single balance reading. It is never mutated after creation.
type Sample struct {
	Address   string
	Raw       *big.Int
	Decimals  int32
	FetchedAt time.Time
}

// NewSample builds a sample from a raw integer string, e.g. "1000000000000000000".
func NewSample(address, raw string, decimals int32, fetchedAt time.Time) (*Sample, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("non-numeric balance %q", raw)
	}

	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative balance %q", raw)
	}

	return &Sample{
		Address:   address,
		Raw:       amount,
		Decimals:  decimals,
		FetchedAt: fetchedAt,
	}, nil
}

// Amount returns Raw / 10^Decimals as an exact decimal. This is the only
// place the token decimal divisor is applied.
func (s *Sample) Amount() decimal.Decimal {
	if s == nil || s.Raw == nil {
		return decimal.Zero
	}

	return decimal.NewFromBigInt(s.Raw, -s.Decimals)
}

// FetchError reports a failed lookup for one address. It never aborts the
// batch the address belongs to.
type FetchError struct {
	Address string
	Cause   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching balance of %s: %v", e.Address, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// NewFetchError wraps cause unless it already is a FetchError.
func NewFetchError(address string, cause error) *FetchError {
	var fe *FetchError
	if errors.As(cause, &fe) {
		return fe
	}

	return &FetchError{Address: address, Cause: cause}
}

// Result is one slot of a batch: exactly one of Sample and Err is set.
type Result struct {
	Address string
	Sample  *Sample
	Err     *FetchError
}

// OK reports whether the slot holds a sample.
func (r Result) OK() bool {
	return r.Err == nil && r.Sample != nil
}

// NormalizeAddress lowercases and validates an EVM account address.
func NormalizeAddress(address string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(address))

	if !addressPattern.MatchString(normalized) {
		return "", fmt.Errorf("malformed address %q", address)
	}

	return normalized, nil
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
