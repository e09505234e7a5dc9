package google

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

func testServiceAccount(t *testing.T) (ServiceAccount, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return ServiceAccount{
		ClientEmail: "svc@test.iam.gserviceaccount.com",
		PrivateKey:  string(pemKey),
	}, &key.PublicKey
}

func TestParseServiceAccount(t *testing.T) {
	t.Parallel()

	sa, err := ParseServiceAccount([]byte(`{"client_email":"a@b","private_key":"k"}`))
	require.NoError(t, err)
	require.Equal(t, "a@b", sa.ClientEmail)

	_, err = ParseServiceAccount([]byte(`{"client_email":"a@b"}`))
	require.ErrorIs(t, err, indexer.ErrInvalidCredential)

	_, err = ParseServiceAccount([]byte(`not json`))
	require.ErrorIs(t, err, indexer.ErrInvalidCredential)
}

func TestClient_TokenExchange(t *testing.T) {
	t.Parallel()

	sa, pub := testServiceAccount(t)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.Form.Get("grant_type"))

		assertion := r.Form.Get("assertion")
		require.NotEmpty(t, assertion)
		require.Len(t, strings.Split(assertion, "."), 3, "compact JWS form")

		parsed, err := jwt.Parse(assertion, func(token *jwt.Token) (any, error) {
			require.Equal(t, "RS256", token.Method.Alg())
			return pub, nil
		}, jwt.WithTimeFunc(func() time.Time { return now }))
		require.NoError(t, err)

		claims := parsed.Claims.(jwt.MapClaims)
		require.Equal(t, sa.ClientEmail, claims["iss"])
		require.Equal(t, "https://www.googleapis.com/auth/indexing", claims["scope"])
		require.Equal(t, srvURL, claims["aud"])
		require.EqualValues(t, now.Unix(), claims["iat"])
		require.EqualValues(t, now.Add(time.Hour).Unix(), claims["exp"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","expires_in":3600}`))
	}))
	defer srv.Close()
	srvURL = srv.URL

	client := NewClient(Config{TokenURL: srv.URL}, fixedClock{now: now}, nil)
	token, err := client.Token(context.Background(), sa)
	require.NoError(t, err)
	require.Equal(t, "tok-123", token)
}

func TestClient_TokenRejectsBadKey(t *testing.T) {
	t.Parallel()

	client := NewClient(Config{}, fixedClock{now: time.Now()}, nil)
	_, err := client.Token(context.Background(), ServiceAccount{
		ClientEmail: "a@b",
		PrivateKey:  "not a pem key",
	})
	require.ErrorIs(t, err, indexer.ErrInvalidCredential)
}

func TestClient_PublishSendsNotification(t *testing.T) {
	t.Parallel()

	var gotBody map[string]string
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(Config{PublishURL: srv.URL}, fixedClock{now: time.Now()}, nil)
	result, err := client.Publish(context.Background(), "tok", "https://t/x", indexer.ActionURLUpdated)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, "Bearer tok", gotAuth)
	require.Equal(t, map[string]string{"url": "https://t/x", "type": "URL_UPDATED"}, gotBody)
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.NoError(t, ClassifyStatus(200, ""))
	require.NoError(t, ClassifyStatus(204, ""))

	err := ClassifyStatus(403, "Permission denied: ownership verification failed")
	require.ErrorIs(t, err, indexer.ErrPermissionDenied)

	err = ClassifyStatus(429, "Quota exceeded for quota metric")
	require.ErrorIs(t, err, indexer.ErrQuotaExceeded)

	var rateErr *RateLimitError
	require.ErrorAs(t, ClassifyStatus(429, "slow down"), &rateErr)

	var serverErr *ServerError
	require.ErrorAs(t, ClassifyStatus(503, "unavailable"), &serverErr)

	var reqErr *RequestError
	require.ErrorAs(t, ClassifyStatus(400, "bad request"), &reqErr)
	require.ErrorAs(t, ClassifyStatus(403, "some other forbidden"), &reqErr)
}
