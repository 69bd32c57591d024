package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukerupert/nudge/internal/model"
)

func TestGenerateVAPIDKeys(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate VAPID keys: %v", err)
	}

	// Public key should be base64url-encoded, 65 bytes uncompressed P-256 point
	pubBytes, err := base64.RawURLEncoding.DecodeString(pub)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if len(pubBytes) != 65 {
		t.Errorf("public key length = %d, want 65", len(pubBytes))
	}

	// Private key should be base64url-encoded, 32 bytes P-256 scalar
	privBytes, err := base64.RawURLEncoding.DecodeString(priv)
	if err != nil {
		t.Fatalf("decode private key: %v", err)
	}
	if len(privBytes) != 32 {
		t.Errorf("private key length = %d, want 32", len(privBytes))
	}

	pub2, _, _ := GenerateVAPIDKeys()
	if pub == pub2 {
		t.Error("expected different keys on second generation")
	}
}

// subscription returns a target with real browser-side keys so the payload
// can be encrypted.
func subscription(t *testing.T, endpoint string) model.Target {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate subscriber key: %v", err)
	}
	auth := make([]byte, 16)
	rand.Read(auth)
	return model.Target{
		Type:     model.TargetWebPush,
		Endpoint: endpoint,
		Keys: &model.PushKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate VAPID keys: %v", err)
	}
	return NewService(pub, priv, WithSubscriber("ops@example.com"), WithTTL(60))
}

func TestSendStatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
		wantOK  bool
	}{
		{"created", http.StatusCreated, nil, true},
		{"gone", http.StatusGone, ErrExpired, false},
		{"not found", http.StatusNotFound, ErrExpired, false},
		{"server error", http.StatusInternalServerError, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAuth, gotTTL, gotEncoding string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				gotTTL = r.Header.Get("TTL")
				gotEncoding = r.Header.Get("Content-Encoding")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			svc := newTestService(t)
			err := svc.Send(context.Background(), subscription(t, srv.URL+"/push/abc"), model.Payload{Title: "Hi", Body: "there"})

			switch {
			case tt.wantOK && err != nil:
				t.Fatalf("send: %v", err)
			case tt.wantErr != nil && !errors.Is(err, tt.wantErr):
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			case !tt.wantOK && err == nil:
				t.Fatal("expected error")
			}

			if !strings.HasPrefix(gotAuth, "vapid ") {
				t.Errorf("authorization = %q, want vapid scheme", gotAuth)
			}
			if gotTTL != "60" {
				t.Errorf("TTL = %q, want %q", gotTTL, "60")
			}
			if gotEncoding != "aes128gcm" {
				t.Errorf("content-encoding = %q, want aes128gcm", gotEncoding)
			}
		})
	}
}

func TestSendRejectsOtherTargets(t *testing.T) {
	svc := newTestService(t)
	err := svc.Send(context.Background(), model.Target{Type: model.TargetEmail, Address: "a@example.com"}, model.Payload{Title: "Hi"})
	if err == nil {
		t.Fatal("expected error for non-push target")
	}
}

func TestSendHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := newTestService(t)
	if err := svc.Send(ctx, subscription(t, srv.URL), model.Payload{Title: "Hi"}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
