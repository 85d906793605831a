package biometric

import (
	"context"
	"encoding/hex"
	"sync"

	"ballot-ledger/models"

	"github.com/ethereum/go-ethereum/crypto"
)

// MockVerifier matches a photo against a template derived from the
// enrolled photo bytes. It is used in development and tests.
type MockVerifier struct {
	mu          sync.RWMutex
	unavailable bool
	rejected    map[string]bool
}

var _ Verifier = (*MockVerifier)(nil)

func NewMockVerifier() *MockVerifier {
	return &MockVerifier{rejected: make(map[string]bool)}
}

// SetUnavailable simulates a service outage.
func (m *MockVerifier) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

// Reject makes enrollment of photo fail as if no face were found.
func (m *MockVerifier) Reject(photo []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[template(photo)] = true
}

func template(photo []byte) string {
	return hex.EncodeToString(crypto.Keccak256(photo))
}

func (m *MockVerifier) Enroll(ctx context.Context, photo []byte) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return "", models.ErrBiometricUnavailable
	}
	t := template(photo)
	if m.rejected[t] {
		return "", models.NewValidationError("photo", "no face detected")
	}
	return t, nil
}

func (m *MockVerifier) Verify(ctx context.Context, photo []byte, tmpl string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return false, models.ErrBiometricUnavailable
	}
	return template(photo) == tmpl, nil
}
