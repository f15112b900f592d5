// Package evm talks to the EVM chain hosting the wBAN token: it recovers
// signers of the canonical bridge messages, issues signed mint receipts
// against the bridge key and wraps the RPC client the chain scanner reads
// logs from.
package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Verifier recovers the signer of personal-sign messages. Wallets sign the
// canonical bridge messages with eth_sign semantics, so recovery goes
// through the Ethereum signed-message envelope.
type Verifier struct{}

// RecoverSigner returns the checksum address that signed message. The
// signature is the 65-byte hex string wallets produce, with V in either
// the 27/28 or the 0/1 convention.
func (Verifier) RecoverSigner(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("evm: malformed signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("evm: signature is %d bytes, want %d", len(sig), crypto.SignatureLength)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("evm: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
