package main

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testPeerID(t *testing.T) string {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id.String()
}

func TestOptionsValidate(t *testing.T) {
	id := testPeerID(t)

	tests := []struct {
		name    string
		opts    options
		wantErr bool
	}{
		{"Defaults", options{port: defaultPort}, false},
		{"PendingMessage", options{port: defaultPort, recipient: id, message: "hi"}, false},
		{"RecipientOnly", options{recipient: id}, true},
		{"MessageOnly", options{message: "hi"}, true},
		{"BadRecipient", options{recipient: "X", message: "hi"}, true},
		{"BadPort", options{port: 70000}, true},
		{"BadAPIPort", options{apiPort: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	log, err := newLogger("debug", true)
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.DebugLevel))

	log, err = newLogger("warn", false)
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.InfoLevel))

	_, err = newLogger("loud", false)
	assert.Error(t, err)
}

func TestLoadIdentity(t *testing.T) {
	log := zap.NewNop()

	t.Run("Seed", func(t *testing.T) {
		a, err := loadIdentity(&options{seed: "s"}, log)
		require.NoError(t, err)
		b, err := loadIdentity(&options{seed: "s"}, log)
		require.NoError(t, err)
		assert.True(t, a.Equals(b))
	})

	t.Run("KeyFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "node.pem")
		a, err := loadIdentity(&options{keyPath: path}, log)
		require.NoError(t, err)
		b, err := loadIdentity(&options{keyPath: path}, log)
		require.NoError(t, err)
		assert.True(t, a.Equals(b))
	})

	t.Run("Ephemeral", func(t *testing.T) {
		a, err := loadIdentity(&options{}, log)
		require.NoError(t, err)
		b, err := loadIdentity(&options{}, log)
		require.NoError(t, err)
		assert.False(t, a.Equals(b))
	})
}

func TestRootCmdRejectsRecipientWithoutMessage(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--recipient", testPeerID(t)})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.Execute())
}
