package digits

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/iota-uz/callcore/pkg/twofactor"
)

// Vault tokenizes sensitive digit buffers before they are ever stored
// as plaintext or handed to the LLM, behind the AES-GCM Encryptor keyed
// by DTMF_ENCRYPTION_KEY.
type Vault struct {
	encryptor twofactor.Encryptor
}

func NewVault(encryptor twofactor.Encryptor) *Vault {
	return &Vault{encryptor: encryptor}
}

// Tokenize encrypts buf and returns a vault:// reference
// (vault://digits/{call_sid}/tok_{id}) alongside the ciphertext to
// persist at that reference.
func (v *Vault) Tokenize(ctx context.Context, callSID, buf string) (ref string, ciphertext string, err error) {
	ciphertext, err = v.encryptor.Encrypt(ctx, buf)
	if err != nil {
		return "", "", err
	}
	ref = fmt.Sprintf("vault://digits/%s/tok_%s", callSID, uuid.New().String())
	return ref, ciphertext, nil
}

// Resolve decrypts a stored ciphertext back to the raw digit buffer.
// Callers must restrict this to server-side profile validation and
// reconciliation paths — never to anything surfaced to the LLM.
func (v *Vault) Resolve(ctx context.Context, ciphertext string) (string, error) {
	return v.encryptor.Decrypt(ctx, ciphertext)
}
