package bootstrap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/bridgebot/crypto"
	"github.com/opd-ai/bridgebot/transport"
)

type mockTransport struct {
	mu sync.Mutex

	initErr        error
	flushErr       error
	secretErr      error
	crossErr       error
	caps           crypto.Capabilities
	inits          int
	flushes        int
	secretBoots    int
	crossBoots     int
	crossReadOnly  bool
	storedKey      *[32]byte
	fetchedUsers   []string
	appliedPolicy  *transport.TrustPolicy
}

func (m *mockTransport) InitCrypto(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inits++
	return m.initErr
}

func (m *mockTransport) FlushOutgoingRequests(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return m.flushErr
}

func (m *mockTransport) BootstrapSecretStorage(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secretBoots++
	return m.secretErr
}

func (m *mockTransport) BootstrapCrossSigning(ctx context.Context, readOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crossBoots++
	m.crossReadOnly = readOnly
	return m.crossErr
}

func (m *mockTransport) SetTrustPolicy(policy transport.TrustPolicy) {
	m.mu.Lock()
	m.appliedPolicy = &policy
	m.mu.Unlock()
}

func (m *mockTransport) StoreBackupKey(ctx context.Context, key [32]byte) error {
	m.mu.Lock()
	m.storedKey = &key
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) FetchDevices(ctx context.Context, userID string) ([]transport.Device, error) {
	m.mu.Lock()
	m.fetchedUsers = append(m.fetchedUsers, userID)
	m.mu.Unlock()
	return nil, nil
}

func (m *mockTransport) Capabilities() crypto.Capabilities { return m.caps }
func (m *mockTransport) OwnUserID() string                 { return "@bot:example.com" }

func testBootstrapper(client Transport, recoveryKey string) *Bootstrapper {
	return New(client, Config{
		RecoveryKey:       recoveryKey,
		UploadSettleDelay: time.Millisecond,
	})
}

func TestRunHappyPathWithoutRecoveryKey(t *testing.T) {
	client := &mockTransport{caps: crypto.AllCapabilities()}

	state, err := testBootstrapper(client, "").Run(context.Background())
	require.NoError(t, err)

	assert.True(t, state.EngineReady())
	assert.True(t, state.TrustOnFirstUse())
	assert.False(t, state.SecretStorageReady(), "no recovery key means no secret storage bootstrap")
	assert.False(t, state.CrossSigningReady())
	assert.Equal(t, 0, client.secretBoots)
	assert.Equal(t, 0, client.crossBoots)
	assert.Equal(t, []string{"@bot:example.com"}, client.fetchedUsers)

	require.NotNil(t, client.appliedPolicy)
	assert.True(t, client.appliedPolicy.TrustCrossSigned)
	assert.False(t, client.appliedPolicy.BlockUnverified)
}

func TestRunEngineInitFailureIsFatal(t *testing.T) {
	client := &mockTransport{initErr: errors.New("store locked")}

	_, err := testBootstrapper(client, "").Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, client.flushes, "nothing runs after a fatal engine init")
}

func TestRunProvisionsFromRecoveryKey(t *testing.T) {
	client := &mockTransport{caps: crypto.AllCapabilities()}
	var key [32]byte
	key[0] = 0x11
	encoded := crypto.EncodeRecoveryKey(key)

	state, err := testBootstrapper(client, encoded).Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, client.storedKey)
	assert.Equal(t, key, *client.storedKey)
	assert.True(t, state.SecretStorageReady())
	assert.True(t, state.CrossSigningReady())
	assert.True(t, client.crossReadOnly, "cross-signing must never generate a fresh identity")

	got, ok := state.BackupKey()
	require.True(t, ok)
	assert.Equal(t, key, got)
}

func TestRunInvalidRecoveryKeyDegrades(t *testing.T) {
	client := &mockTransport{caps: crypto.AllCapabilities()}

	state, err := testBootstrapper(client, "garbage-key").Run(context.Background())
	require.NoError(t, err)

	assert.False(t, state.SecretStorageReady())
	assert.False(t, state.CrossSigningReady())
	assert.Nil(t, client.storedKey)
	assert.True(t, state.TrustOnFirstUse(), "later steps still run")
}

func TestRunCapabilityGates(t *testing.T) {
	client := &mockTransport{caps: crypto.Capabilities{SecretStorage: false, CrossSigning: false}}
	encoded := crypto.EncodeRecoveryKey([32]byte{1})

	state, err := testBootstrapper(client, encoded).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, client.secretBoots, "missing capability skips the bootstrap call")
	assert.Equal(t, 0, client.crossBoots)
	assert.False(t, state.SecretStorageReady())
	assert.NotNil(t, client.storedKey, "the backup key is stored regardless of capabilities")
}

func TestRunSecretStorageFailureDoesNotBlockCrossSigning(t *testing.T) {
	client := &mockTransport{
		caps:      crypto.AllCapabilities(),
		secretErr: errors.New("server unhappy"),
	}
	encoded := crypto.EncodeRecoveryKey([32]byte{2})

	state, err := testBootstrapper(client, encoded).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, state.SecretStorageReady())
	assert.True(t, state.CrossSigningReady())
}

func TestRunFlushFailureIsNonFatal(t *testing.T) {
	client := &mockTransport{
		caps:     crypto.AllCapabilities(),
		flushErr: errors.New("transient"),
	}

	state, err := testBootstrapper(client, "").Run(context.Background())
	require.NoError(t, err)
	assert.True(t, state.TrustOnFirstUse())
}
