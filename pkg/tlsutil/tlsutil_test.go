package tlsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintVerifier(t *testing.T) {
	raw := []byte("leaf-certificate-der-bytes")
	sum := sha256.Sum256(raw)
	fp := hex.EncodeToString(sum[:])

	t.Run("matching fingerprint", func(t *testing.T) {
		cfg := FingerprintVerifier(fp)
		require.NotNil(t, cfg.VerifyPeerCertificate)
		assert.NoError(t, cfg.VerifyPeerCertificate([][]byte{raw}, nil))
	})

	t.Run("colons and case are normalized", func(t *testing.T) {
		var parts []string
		for i := 0; i < len(fp); i += 2 {
			parts = append(parts, strings.ToUpper(fp[i:i+2]))
		}
		cfg := FingerprintVerifier(strings.Join(parts, ":"))
		assert.NoError(t, cfg.VerifyPeerCertificate([][]byte{raw}, nil))
	})

	t.Run("mismatch rejected", func(t *testing.T) {
		cfg := FingerprintVerifier(fp)
		err := cfg.VerifyPeerCertificate([][]byte{[]byte("other-cert")}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fingerprint mismatch")
	})

	t.Run("no certificates rejected", func(t *testing.T) {
		cfg := FingerprintVerifier(fp)
		assert.Error(t, cfg.VerifyPeerCertificate(nil, nil))
	})
}

func TestNewHTTPClient(t *testing.T) {
	t.Run("secure default", func(t *testing.T) {
		client := NewHTTPClient(true, "", 5*time.Second)
		transport := client.Transport.(*http.Transport)
		assert.Nil(t, transport.TLSClientConfig)
		assert.Equal(t, 5*time.Second, client.Timeout)
	})

	t.Run("skip verify", func(t *testing.T) {
		client := NewHTTPClient(false, "", 0)
		transport := client.Transport.(*http.Transport)
		require.NotNil(t, transport.TLSClientConfig)
		assert.True(t, transport.TLSClientConfig.InsecureSkipVerify)
		assert.Equal(t, 60*time.Second, client.Timeout)
	})

	t.Run("fingerprint pin wins over verify flag", func(t *testing.T) {
		client := NewHTTPClient(true, "ab:cd", 0)
		transport := client.Transport.(*http.Transport)
		require.NotNil(t, transport.TLSClientConfig)
		assert.NotNil(t, transport.TLSClientConfig.VerifyPeerCertificate)
	})
}
