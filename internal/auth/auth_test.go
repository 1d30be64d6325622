package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, sub string) string {
	claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}
	if sub != "" {
		claims["sub"] = sub
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func TestExtractTokenFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "case insensitive scheme", header: "bearer abc", want: "abc"},
		{name: "missing", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic abc", wantErr: true},
		{name: "no token", header: "Bearer ", wantErr: true},
		{name: "extra parts", header: "Bearer a b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractTokenFromRequest(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractUserIDFromJWT(t *testing.T) {
	sub, err := ExtractUserIDFromJWT(signedToken(t, "cashier-7"))
	require.NoError(t, err)
	assert.Equal(t, "cashier-7", sub)

	_, err = ExtractUserIDFromJWT(signedToken(t, ""))
	assert.Error(t, err)

	_, err = ExtractUserIDFromJWT("")
	assert.Error(t, err)

	_, err = ExtractUserIDFromJWT("garbage")
	assert.Error(t, err)
}

func TestIdentify(t *testing.T) {
	var seen string
	h := Identify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Bearer "+signedToken(t, "cashier-7"))
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "cashier-7", seen)

	// Anonymous calls pass through without a subject
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, "", seen)
}

func TestMiddleware_RequiresIssuer(t *testing.T) {
	mw, err := Middleware(context.Background(), "")
	assert.Error(t, err)
	assert.Nil(t, mw)
}

func TestUserID(t *testing.T) {
	assert.Equal(t, "", UserID(context.Background()))
	assert.Equal(t, "op-1", UserID(WithUserID(context.Background(), "op-1")))
}

func fakeKeycloak(t *testing.T, calls *int32, status int) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "pos-terminal", r.PostForm.Get("client_id"))
		if status != http.StatusOK {
			http.Error(w, "invalid_client", status)
			return
		}
		_ = json.NewEncoder(w).Encode(M2MTokenResponse{AccessToken: "m2m-token", ExpiresIn: 300, TokenType: "Bearer"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetM2MToken(t *testing.T) {
	var calls int32
	srv := fakeKeycloak(t, &calls, http.StatusOK)

	resp, err := GetM2MToken(context.Background(), M2MConfig{TokenURL: srv.URL, ClientID: "pos-terminal", ClientSecret: "s"}, srv.Client())
	require.NoError(t, err)
	assert.Equal(t, "m2m-token", resp.AccessToken)
	assert.Equal(t, 300, resp.ExpiresIn)
}

func TestGetM2MToken_Rejected(t *testing.T) {
	var calls int32
	srv := fakeKeycloak(t, &calls, http.StatusUnauthorized)

	_, err := GetM2MToken(context.Background(), M2MConfig{TokenURL: srv.URL, ClientID: "pos-terminal"}, srv.Client())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestKeycloakTokenURL(t *testing.T) {
	assert.Equal(t, "http://kc:8080/realms/pos/protocol/openid-connect/token", KeycloakTokenURL("http://kc:8080/", "pos"))
}

func TestTokenSource_ReusesAndInvalidates(t *testing.T) {
	var calls int32
	srv := fakeKeycloak(t, &calls, http.StatusOK)
	src := NewTokenSource(M2MConfig{TokenURL: srv.URL, ClientID: "pos-terminal"}, srv.Client(), nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		token, err := src.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "m2m-token", token)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	src.Invalidate(ctx)
	_, err := src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTokenSource_SharesThroughRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	var calls int32
	srv := fakeKeycloak(t, &calls, http.StatusOK)
	cfg := M2MConfig{TokenURL: srv.URL, ClientID: "pos-terminal"}
	ctx := context.Background()

	first := NewTokenSource(cfg, srv.Client(), NewRedisTokenCache(client, "pos-terminal"), nil)
	_, err = first.Token(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists("m2m_token:pos-terminal"))
	assert.Equal(t, time.Duration(300+TokenExpiryBuffer)*time.Second, mr.TTL("m2m_token:pos-terminal"))

	second := NewTokenSource(cfg, srv.Client(), NewRedisTokenCache(client, "pos-terminal"), nil)
	token, err := second.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m2m-token", token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second terminal should reuse the cached token")
}

func TestTokenCache_IsValid(t *testing.T) {
	var nilCache *TokenCache
	assert.False(t, nilCache.IsValid())
	assert.False(t, (&TokenCache{Token: "t", ExpiresAt: time.Now().Add(30 * time.Second)}).IsValid())
	assert.True(t, (&TokenCache{Token: "t", ExpiresAt: time.Now().Add(5 * time.Minute)}).IsValid())
}
