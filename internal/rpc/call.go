package rpc

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/ethpandaops/supplyoor/internal/balance"
)

const wordSize = 32

// Call is an encoded eth_call ready to be sent.
type Call struct {
	ID       string
	To       string
	Data     string
	Decimals int32
}

// NewCall validates a read and ABI-encodes its calldata.
func NewCall(read ReadConfig) (*Call, error) {
	to, err := balance.NormalizeAddress(read.Contract)
	if err != nil {
		return nil, fmt.Errorf("contract: %w", err)
	}

	name, params, err := parseSignature(read.Function)
	if err != nil {
		return nil, err
	}

	if len(params) != len(read.Args) {
		return nil, fmt.Errorf(
			"%s takes %d arguments, got %d",
			name, len(params), len(read.Args),
		)
	}

	data := make([]byte, 0, 4+wordSize*len(params))
	data = append(data, Selector(read.Function)...)

	for i, param := range params {
		word, err := encodeArg(param, read.Args[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}

		data = append(data, word...)
	}

	decimals := int32(18)
	if read.Decimals != nil {
		decimals = *read.Decimals
	}

	return &Call{
		ID:       read.ID,
		To:       to,
		Data:     "0x" + hex.EncodeToString(data),
		Decimals: decimals,
	}, nil
}

// Selector returns the 4-byte function selector of a canonical signature.
func Selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))

	return h.Sum(nil)[:4]
}

func parseSignature(signature string) (string, []string, error) {
	open := strings.IndexByte(signature, '(')
	if open <= 0 || !strings.HasSuffix(signature, ")") {
		return "", nil, fmt.Errorf("malformed function signature %q", signature)
	}

	if strings.ContainsAny(signature, " \t") {
		return "", nil, fmt.Errorf("function signature %q must not contain spaces", signature)
	}

	name := signature[:open]
	inner := signature[open+1 : len(signature)-1]

	if inner == "" {
		return name, nil, nil
	}

	params := strings.Split(inner, ",")
	for _, p := range params {
		switch p {
		case "address", "uint256":
		default:
			return "", nil, fmt.Errorf("unsupported argument type %q", p)
		}
	}

	return name, params, nil
}

func encodeArg(kind, value string) ([]byte, error) {
	word := make([]byte, wordSize)

	switch kind {
	case "address":
		addr, err := balance.NormalizeAddress(value)
		if err != nil {
			return nil, err
		}

		raw, err := hex.DecodeString(addr[2:])
		if err != nil {
			return nil, fmt.Errorf("decoding address %q: %w", value, err)
		}

		copy(word[wordSize-len(raw):], raw)
	case "uint256":
		n, ok := new(big.Int).SetString(value, 0)
		if !ok || n.Sign() < 0 || n.BitLen() > 256 {
			return nil, fmt.Errorf("invalid uint256 %q", value)
		}

		n.FillBytes(word)
	default:
		return nil, fmt.Errorf("unsupported argument type %q", kind)
	}

	return word, nil
}

// decodeUint256 reads the first 32-byte word of a hex-encoded return value.
func decodeUint256(result string) (*big.Int, error) {
	if !strings.HasPrefix(result, "0x") {
		return nil, fmt.Errorf("result %q is not 0x-prefixed", result)
	}

	raw, err := hex.DecodeString(result[2:])
	if err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}

	if len(raw) < wordSize {
		return nil, fmt.Errorf("short result: %d bytes", len(raw))
	}

	return new(big.Int).SetBytes(raw[:wordSize]), nil
}
