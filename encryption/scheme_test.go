package encryption

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheme(t *testing.T, name string) HomomorphicEncryptionScheme {
	t.Helper()
	scheme, err := NewScheme(name, 512)
	require.NoError(t, err)
	return scheme
}

func TestSchemesAddHomomorphically(t *testing.T) {
	for _, name := range []string{SchemePaillier, SchemeElGamal, SchemeBGV} {
		t.Run(name, func(t *testing.T) {
			scheme := newTestScheme(t, name)
			assert.Equal(t, name, scheme.Name())

			acc, err := scheme.Encrypt(big.NewInt(0))
			require.NoError(t, err)
			for _, v := range []int64{3, 5, 1, 10} {
				ct, err := scheme.Encrypt(big.NewInt(v))
				require.NoError(t, err)
				acc, err = scheme.Add(acc, ct)
				require.NoError(t, err)
			}
			sum, err := scheme.Decrypt(acc)
			require.NoError(t, err)
			assert.Equal(t, int64(19), sum.Int64())
		})
	}
}

func TestSchemesPublicOnlyImport(t *testing.T) {
	for _, name := range []string{SchemePaillier, SchemeElGamal, SchemeBGV} {
		t.Run(name, func(t *testing.T) {
			full := newTestScheme(t, name)
			pub, err := full.ExportPublicKey()
			require.NoError(t, err)

			encryptOnly, err := ImportScheme(name, pub, nil)
			require.NoError(t, err)
			ct, err := encryptOnly.Encrypt(big.NewInt(7))
			require.NoError(t, err)

			_, err = encryptOnly.Decrypt(ct)
			assert.ErrorIs(t, err, ErrNoPrivateKey)
			_, err = encryptOnly.ExportPrivateKey()
			assert.ErrorIs(t, err, ErrNoPrivateKey)

			pt, err := full.Decrypt(ct)
			require.NoError(t, err)
			assert.Equal(t, int64(7), pt.Int64())
		})
	}
}

func TestSchemesRestoreFromPrivateKey(t *testing.T) {
	for _, name := range []string{SchemePaillier, SchemeElGamal, SchemeBGV} {
		t.Run(name, func(t *testing.T) {
			full := newTestScheme(t, name)
			ct, err := full.Encrypt(big.NewInt(42))
			require.NoError(t, err)

			pub, err := full.ExportPublicKey()
			require.NoError(t, err)
			priv, err := full.ExportPrivateKey()
			require.NoError(t, err)
			restored, err := ImportScheme(name, pub, priv)
			require.NoError(t, err)

			pt, err := restored.Decrypt(ct)
			require.NoError(t, err)
			assert.Equal(t, int64(42), pt.Int64())
		})
	}
}

func TestEncryptRejectsOutOfRange(t *testing.T) {
	scheme := newTestScheme(t, SchemeElGamal)
	_, err := scheme.Encrypt(big.NewInt(1 << 20))
	assert.ErrorIs(t, err, ErrPlaintextRange)
	_, err = scheme.Encrypt(big.NewInt(-1))
	assert.ErrorIs(t, err, ErrPlaintextRange)
}

func TestUnknownScheme(t *testing.T) {
	_, err := NewScheme("rot13", 0)
	assert.ErrorIs(t, err, ErrUnknownScheme)
	_, err = ImportScheme("rot13", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownScheme)
}
