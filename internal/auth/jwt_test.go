package auth

import "testing"

func TestTokenPairRoundTrip(t *testing.T) {
	tm := NewTokenManager("access-secret", "refresh-secret", "escrow-test")

	pair, err := tm.IssuePair("user-1", "sender")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := tm.ParseAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != "sender" {
		t.Errorf("claims = %+v", claims)
	}

	t.Run("refresh token is not an access token", func(t *testing.T) {
		if _, err := tm.ParseAccess(pair.RefreshToken); err == nil {
			t.Fatal("refresh token accepted as access token")
		}
	})

	t.Run("access token cannot refresh", func(t *testing.T) {
		if _, err := tm.Refresh(pair.AccessToken); err == nil {
			t.Fatal("access token accepted as refresh token")
		}
	})

	t.Run("refresh rotates", func(t *testing.T) {
		next, err := tm.Refresh(pair.RefreshToken)
		if err != nil {
			t.Fatalf("refresh: %v", err)
		}
		claims, err := tm.ParseAccess(next.AccessToken)
		if err != nil || claims.UserID != "user-1" {
			t.Errorf("claims after refresh = %+v, %v", claims, err)
		}
	})

	t.Run("wrong issuer rejected", func(t *testing.T) {
		other := NewTokenManager("access-secret", "refresh-secret", "someone-else")
		if _, err := other.ParseAccess(pair.AccessToken); err == nil {
			t.Fatal("token from another issuer accepted")
		}
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		other := NewTokenManager("not-the-secret", "refresh-secret", "escrow-test")
		if _, err := other.ParseAccess(pair.AccessToken); err == nil {
			t.Fatal("token with wrong signature accepted")
		}
	})
}
