package fcm

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/dukerupert/nudge/internal/model"

	"github.com/golang-jwt/jwt/v5"
)

type fakeFCM struct {
	key        *rsa.PrivateKey
	srv        *httptest.Server
	tokenCalls atomic.Int32
	lastBody   sendRequest
	status     int
	response   string
}

func newFakeFCM(t *testing.T) *fakeFCM {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	f := &fakeFCM{key: key, status: http.StatusOK, response: `{"name":"projects/demo/messages/1"}`}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != jwtBearerGrant {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		tok, err := jwt.Parse(r.Form.Get("assertion"), func(*jwt.Token) (any, error) {
			return &f.key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		claims := tok.Claims.(jwt.MapClaims)
		if claims["iss"] != "svc@demo.iam.gserviceaccount.com" || claims["scope"] != messagingScope {
			http.Error(w, "bad claims", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"ya29.test","expires_in":3600,"token_type":"Bearer"}`))
	})
	mux.HandleFunc("POST /v1/projects/demo/messages:send", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ya29.test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&f.lastBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		w.Write([]byte(f.response))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeFCM) account() ServiceAccount {
	der, _ := x509.MarshalPKCS8PrivateKey(f.key)
	return ServiceAccount{
		ProjectID:   "demo",
		ClientEmail: "svc@demo.iam.gserviceaccount.com",
		PrivateKey:  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		TokenURI:    f.srv.URL + "/token",
	}
}

func (f *fakeFCM) client(t *testing.T) *Client {
	t.Helper()
	c, err := New(f.account(), WithBaseURL(f.srv.URL), WithHTTPClient(f.srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

var target = model.Target{Type: model.TargetFCM, Token: "device-token-1"}

func TestSendSuccess(t *testing.T) {
	f := newFakeFCM(t)
	c := f.client(t)

	err := c.Send(context.Background(), target, model.Payload{Title: "Hi", Body: "there", URL: "/inbox"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if f.lastBody.Message.Token != "device-token-1" {
		t.Errorf("token = %q, want %q", f.lastBody.Message.Token, "device-token-1")
	}
	if f.lastBody.Message.Notification.Title != "Hi" {
		t.Errorf("title = %q, want %q", f.lastBody.Message.Notification.Title, "Hi")
	}
	if f.lastBody.Message.Data["url"] != "/inbox" {
		t.Errorf("data.url = %q, want %q", f.lastBody.Message.Data["url"], "/inbox")
	}
}

func TestAccessTokenCached(t *testing.T) {
	f := newFakeFCM(t)
	c := f.client(t)

	for i := 0; i < 3; i++ {
		if err := c.Send(context.Background(), target, model.Payload{Title: "Hi"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if n := f.tokenCalls.Load(); n != 1 {
		t.Errorf("token calls = %d, want 1", n)
	}
}

func TestSendUnregistered(t *testing.T) {
	f := newFakeFCM(t)
	f.status = http.StatusNotFound
	f.response = `{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND",
		"details":[{"@type":"type.googleapis.com/google.firebase.fcm.v1.FcmError","errorCode":"UNREGISTERED"}]}}`
	c := f.client(t)

	err := c.Send(context.Background(), target, model.Payload{Title: "Hi"})
	if !errors.Is(err, ErrUnregistered) {
		t.Fatalf("err = %v, want ErrUnregistered", err)
	}
}

func TestSendUnregisteredDetailOnBadRequest(t *testing.T) {
	f := newFakeFCM(t)
	f.status = http.StatusBadRequest
	f.response = `{"error":{"code":400,"message":"bad token","status":"INVALID_ARGUMENT",
		"details":[{"@type":"type.googleapis.com/google.firebase.fcm.v1.FcmError","errorCode":"UNREGISTERED"}]}}`
	c := f.client(t)

	if err := c.Send(context.Background(), target, model.Payload{Title: "Hi"}); !errors.Is(err, ErrUnregistered) {
		t.Fatalf("err = %v, want ErrUnregistered", err)
	}
}

func TestSendServerError(t *testing.T) {
	f := newFakeFCM(t)
	f.status = http.StatusServiceUnavailable
	f.response = `{"error":{"code":503,"message":"backend unavailable","status":"UNAVAILABLE"}}`
	c := f.client(t)

	err := c.Send(context.Background(), target, model.Payload{Title: "Hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrUnregistered) {
		t.Errorf("err = %v, should not be ErrUnregistered", err)
	}
}

func TestNewRejectsBadKey(t *testing.T) {
	_, err := New(ServiceAccount{ProjectID: "demo", ClientEmail: "svc", PrivateKey: "not a key"})
	if err == nil {
		t.Fatal("expected error for invalid key")
	}
}

func TestLoadServiceAccount(t *testing.T) {
	f := newFakeFCM(t)
	data, _ := json.Marshal(f.account())
	path := filepath.Join(t.TempDir(), "sa.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	sa, err := LoadServiceAccount(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sa.ProjectID != "demo" {
		t.Errorf("project_id = %q, want %q", sa.ProjectID, "demo")
	}

	os.WriteFile(path, []byte(`{"project_id":"demo"}`), 0o600)
	if _, err := LoadServiceAccount(path); err == nil {
		t.Error("expected error for incomplete service account")
	}
}
