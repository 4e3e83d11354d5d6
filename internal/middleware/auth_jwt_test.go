package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestVerifyJWT(t *testing.T) {
	valid, _ := SignJWT("secret", TokenClaims{Sub: "user-1", Exp: time.Now().Add(time.Hour).Unix()})
	expired, _ := SignJWT("secret", TokenClaims{Sub: "user-1", Exp: time.Now().Add(-time.Minute).Unix()})
	noSubject, _ := SignJWT("secret", TokenClaims{Exp: time.Now().Add(time.Hour).Unix()})
	otherKey, _ := SignJWT("other", TokenClaims{Sub: "user-1"})
	scoped, _ := SignJWT("secret", TokenClaims{Sub: "user-1", Issuer: "accounts", Audience: "genjobs"})
	otherIssuer, _ := SignJWT("secret", TokenClaims{Sub: "user-1", Issuer: "billing", Audience: "genjobs"})
	otherAudience, _ := SignJWT("secret", TokenClaims{Sub: "user-1", Issuer: "accounts", Audience: "admin"})
	strict := JWTConfig{Secret: "secret", Issuer: "accounts", Audience: "genjobs"}

	tests := []struct {
		name    string
		token   string
		cfg     JWTConfig
		wantErr error
	}{
		{name: "valid", token: valid},
		{name: "expired", token: expired, wantErr: errTokenExpired},
		{name: "missing subject", token: noSubject, wantErr: errMissingSubject},
		{name: "wrong key", token: otherKey, wantErr: errBadSignature},
		{name: "garbage", token: "abc", wantErr: errMalformedToken},
		{name: "issuer and audience match", token: scoped, cfg: strict},
		{name: "unchecked issuer", token: otherIssuer},
		{name: "wrong issuer", token: otherIssuer, cfg: strict, wantErr: errWrongIssuer},
		{name: "wrong audience", token: otherAudience, cfg: strict, wantErr: errWrongAudience},
		{name: "missing issuer", token: valid, cfg: strict, wantErr: errWrongIssuer},
		{name: "alg none", token: "eyJhbGciOiJub25lIn0." + strings.Split(valid, ".")[1] + ".", wantErr: errMalformedToken},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			if cfg.Secret == "" {
				cfg.Secret = "secret"
			}
			claims, err := VerifyJWT(cfg, tc.token)
			if err != tc.wantErr {
				t.Fatalf("VerifyJWT() error = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr == nil && claims.Sub != "user-1" {
				t.Fatalf("sub = %q, want user-1", claims.Sub)
			}
		})
	}
}

func TestAuthJWTMiddleware(t *testing.T) {
	token, _ := SignJWT("secret", TokenClaims{Sub: "user-1"})
	var seen string
	handler := AuthJWT(JWTConfig{Secret: "secret"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid bearer", header: "Bearer " + token, want: http.StatusOK},
		{name: "lowercase scheme", header: "bearer " + token, want: http.StatusOK},
		{name: "missing header", want: http.StatusUnauthorized},
		{name: "basic scheme", header: "Basic dXNlcjpwdw==", want: http.StatusUnauthorized},
		{name: "tampered", header: "Bearer " + token + "x", want: http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if tc.want == http.StatusOK {
				if seen != "user-1" {
					t.Fatalf("user id = %q, want user-1", seen)
				}
				return
			}
			var body struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error.Code != "unauthorized" {
				t.Fatalf("unexpected error body %s", rec.Body.String())
			}
		})
	}
}
