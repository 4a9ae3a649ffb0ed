package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/web3"
)

func TestKeystoreUnlockRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	blob, err := Seal(key, "correct horse", true)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	signer, err := Unlock(context.Background(), KeystoreCredential{}, "user-1", blob, "correct horse")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if signer.Address != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("unexpected address %s", signer.Address.Hex())
	}
	if signer.UserID != "user-1" {
		t.Fatalf("expected user id to be attached")
	}
	signer.Wipe()
	if signer.PrivateKey != nil {
		t.Fatalf("expected key to be wiped")
	}
}

func TestUnlockWrongPassword(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	blob, err := Seal(key, "right", true)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	_, err = Unlock(context.Background(), KeystoreCredential{}, "user-1", blob, "wrong")
	if err == nil {
		t.Fatalf("expected unlock failure")
	}
	if xerrors.CodeOf(err) != CodeCredentialFailure {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
}

type failingDerive struct{ KeystoreCredential }

func (failingDerive) DeriveSigner(*Material) (*web3.Signer, error) {
	return nil, errors.New("boom")
}

func TestUnlockDeriveFailureWipesMaterial(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	blob, err := Seal(key, "pw", true)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Unlock(context.Background(), failingDerive{}, "u", blob, "pw"); xerrors.CodeOf(err) != CodeCredentialFailure {
		t.Fatalf("expected credential failure, got %v", err)
	}
	if _, err := Unlock(context.Background(), nil, "u", blob, "pw"); xerrors.CodeOf(err) != CodeCredentialFailure {
		t.Fatalf("expected credential failure for nil credential, got %v", err)
	}
}

func TestMaterialWipe(t *testing.T) {
	m := &Material{raw: []byte{1, 2, 3}}
	raw := m.raw
	m.Wipe()
	for _, b := range raw {
		if b != 0 {
			t.Fatalf("material not zeroed: %v", raw)
		}
	}
}
