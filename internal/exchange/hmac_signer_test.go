package exchange

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACSigner_SignRequestAddsHeadersAndPreservesBody(t *testing.T) {
	signer := NewHMACSigner("key-1", "secret-1")
	req, err := http.NewRequest(http.MethodPost, "https://example.test/v1/orders", strings.NewReader(`{"symbol":"BTC-USD"}`))
	require.NoError(t, err)

	require.NoError(t, signer.SignRequest(req))

	assert.Equal(t, "key-1", req.Header.Get("X-API-KEY"))
	assert.NotEmpty(t, req.Header.Get("X-SIGNATURE"))
	assert.NotEmpty(t, req.Header.Get("X-TIMESTAMP"))

	body, err := req.GetBody()
	if err == nil && body != nil {
		return
	}
	buf := make([]byte, 64)
	n, _ := req.Body.Read(buf)
	assert.Contains(t, string(buf[:n]), "BTC-USD")
}

func TestHMACSigner_DifferentSecretsProduceDifferentSignatures(t *testing.T) {
	req1, _ := http.NewRequest(http.MethodGet, "https://example.test/v1/orders/1", nil)
	req2, _ := http.NewRequest(http.MethodGet, "https://example.test/v1/orders/1", nil)

	s1 := NewHMACSigner("key", "secret-a")
	s2 := NewHMACSigner("key", "secret-b")
	require.NoError(t, s1.SignRequest(req1))
	require.NoError(t, s2.SignRequest(req2))

	assert.NotEqual(t, req1.Header.Get("X-SIGNATURE"), req2.Header.Get("X-SIGNATURE"))
}
