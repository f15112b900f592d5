package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

func signMessage(t *testing.T, message string) (signature, address string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	// Wallets emit V as 27/28.
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// Tests that RecoverSigner round-trips a wallet-style personal signature.
func TestRecoverSigner(t *testing.T) {
	message := `I hereby claim that the BAN address "ban_a" is mine`
	sig, addr := signMessage(t, message)

	got, err := Verifier{}.RecoverSigner(message, sig)
	if err != nil {
		t.Fatalf("RecoverSigner: %v", err)
	}
	if got != addr {
		t.Fatalf("signer = %s, want %s", got, addr)
	}
}

// Tests that a signature over a different message recovers a different
// signer, so message tampering never validates.
func TestRecoverSignerWrongMessage(t *testing.T) {
	sig, addr := signMessage(t, `Withdraw 10 BAN to my wallet "ban_a"`)

	got, err := Verifier{}.RecoverSigner(`Withdraw 99 BAN to my wallet "ban_a"`, sig)
	if err != nil {
		t.Fatalf("RecoverSigner: %v", err)
	}
	if got == addr {
		t.Fatal("tampered message recovered the original signer")
	}
}

// Tests that malformed signatures are rejected rather than recovered.
func TestRecoverSignerMalformed(t *testing.T) {
	for _, sig := range []string{"", "0x", "0xdeadbeef", "zz"} {
		if _, err := (Verifier{}).RecoverSigner("msg", sig); err == nil {
			t.Fatalf("signature %q accepted", sig)
		}
	}
}

// Tests that a mint receipt verifies against the bridge address and binds
// every field of the authorization.
func TestSignReceipt(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	to := crypto.PubkeyToAddress(key.PublicKey) // any address works
	amount := big.NewInt(123456)
	nonce := receiptNonce()
	chainID := big.NewInt(56)

	receipt, err := signReceipt(key, to, amount, nonce, chainID)
	if err != nil {
		t.Fatalf("signReceipt: %v", err)
	}
	sig, err := hexutil.Decode(receipt)
	if err != nil || len(sig) != crypto.SignatureLength {
		t.Fatalf("receipt %q is not a 65-byte signature", receipt)
	}

	payload := crypto.Keccak256(
		to.Bytes(),
		leftPad32(amount),
		leftPad32(nonce),
		leftPad32(chainID),
	)
	recovered := append([]byte(nil), sig...)
	recovered[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(payload), recovered)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("receipt does not verify against the bridge key")
	}

	// Changing the amount must break verification.
	tampered := crypto.Keccak256(to.Bytes(), leftPad32(big.NewInt(999)), leftPad32(nonce), leftPad32(chainID))
	pub, err = crypto.SigToPub(accounts.TextHash(tampered), recovered)
	if err == nil && crypto.PubkeyToAddress(*pub) == crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("tampered receipt still verifies")
	}
}

func leftPad32(n *big.Int) []byte {
	b := n.Bytes()
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// Tests that receipt nonces fit uint128 and do not repeat.
func TestReceiptNonce(t *testing.T) {
	seen := make(map[string]bool)
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	for i := 0; i < 64; i++ {
		n := receiptNonce()
		if n.Cmp(limit) >= 0 {
			t.Fatalf("nonce %s exceeds uint128", n)
		}
		if seen[n.String()] {
			t.Fatalf("nonce %s repeated", n)
		}
		seen[n.String()] = true
	}
}
