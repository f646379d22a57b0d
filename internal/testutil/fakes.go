package testutil

import (
	"hbk-go/internal/encryption"
	"hbk-go/internal/hbk"
	"hbk-go/internal/vault"
)

// NewTestVault creates a new in-memory mirror for testing.
func NewTestVault() *vault.MemoryVault {
	return vault.NewMemoryVault("test-vault")
}

// NewTestCipher creates a crypto-free cipher in PBKDF2 mode for testing.
func NewTestCipher() *encryption.TestCipher {
	return encryption.NewTestCipher(hbk.ModePBKDF2)
}
