package evm

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrMalformedSignature is returned for job signatures that are not 65 bytes
	// of hex with a recovery id of 0, 1, 27 or 28.
	ErrMalformedSignature = errors.New("malformed job signature")
	// ErrInvalidAddress is returned for strings that are not 20-byte hex addresses.
	ErrInvalidAddress = errors.New("invalid address")
)

// ParseJobSignature decodes a 65-byte hex signature (r ‖ s ‖ v, optional 0x
// prefix). A recovery id below 27 is shifted into {27, 28}.
func ParseJobSignature(signature string) (JobSignature, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(signature, "0x"), "0X")
	if len(raw) != SignatureLength*2 {
		return JobSignature{}, fmt.Errorf("%w: expected %d hex characters, got %d",
			ErrMalformedSignature, SignatureLength*2, len(raw))
	}

	b, err := hex.DecodeString(raw)
	if err != nil {
		return JobSignature{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}

	v := b[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return JobSignature{}, fmt.Errorf("%w: invalid recovery id %d", ErrMalformedSignature, b[64])
	}

	sig := JobSignature{V: v}
	copy(sig.R[:], b[0:32])
	copy(sig.S[:], b[32:64])
	return sig, nil
}

// Bytes returns r ‖ s ‖ v with v in {27, 28}.
func (s JobSignature) Bytes() []byte {
	out := make([]byte, SignatureLength)
	copy(out[0:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// Hex returns the 0x-prefixed hex encoding of Bytes.
func (s JobSignature) Hex() string {
	return "0x" + hex.EncodeToString(s.Bytes())
}

// JobMessageHash is the digest a consumer signs to authorise one invocation of
// job: the personal-message hash of keccak256(job).
func JobMessageHash(job common.Address) common.Hash {
	inner := crypto.Keccak256(job.Bytes())
	return crypto.Keccak256Hash([]byte(personalMessagePrefix), inner)
}

// RecoverSigner returns the address that produced sig over hash.
func RecoverSigner(hash common.Hash, sig JobSignature) (common.Address, error) {
	raw := sig.Bytes()
	raw[64] -= 27

	pubKey, err := crypto.SigToPub(hash.Bytes(), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// SignJob signs job the way a consumer does and returns the hex signature.
func SignJob(job common.Address, key *ecdsa.PrivateKey) (string, error) {
	hash := JobMessageHash(job)
	signature, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}

// ParseAddress validates a 20-byte hex address in any letter case.
func ParseAddress(address string) (common.Address, error) {
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return common.HexToAddress(address), nil
}

// ChecksumAddress returns the canonical EIP-55 form of address.
func ChecksumAddress(address string) (string, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

// IsValidAddress reports whether address is a 20-byte hex address.
func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}
