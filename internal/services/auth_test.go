package services

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/yungbote/marketbench-backend/internal/platform/ctxutil"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

func TestAuthServiceRoundTrip(t *testing.T) {
	as := NewAuthService(logger.Nop(), "secret", "marketbench")
	user := uuid.New()
	tok, err := as.IssueToken(user, " buyer@example.com ", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	ctx, err := as.SetContextFromToken(context.Background(), tok)
	if err != nil {
		t.Fatalf("SetContextFromToken: %v", err)
	}
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || rd.UserID != user || rd.Email != "buyer@example.com" {
		t.Fatalf("request data = %+v", rd)
	}
}

func TestAuthServiceRejects(t *testing.T) {
	as := NewAuthService(logger.Nop(), "secret", "marketbench")
	user := uuid.New()

	other, _ := NewAuthService(logger.Nop(), "other", "marketbench").IssueToken(user, "", time.Minute)
	wrongIssuer, _ := NewAuthService(logger.Nop(), "secret", "elsewhere").IssueToken(user, "", time.Minute)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: user.String()}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	past := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   user.String(),
		Issuer:    "marketbench",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	expired, _ := past.SignedString([]byte("secret"))

	for name, tok := range map[string]string{
		"expired":      expired,
		"wrong secret": other,
		"wrong issuer": wrongIssuer,
		"alg none":     none,
		"garbage":      "not-a-token",
	} {
		if _, err := as.SetContextFromToken(context.Background(), tok); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRequestUserRequiresIdentity(t *testing.T) {
	if _, err := requestUser(context.Background()); statusOf(err) != 401 {
		t.Fatalf("err = %v", err)
	}
	if rd, err := requestUser(userCtx(uuid.New())); err != nil || rd.Email == "" {
		t.Fatalf("rd=%+v err=%v", rd, err)
	}
}
