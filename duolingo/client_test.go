package duolingo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(WithBaseURL(server.URL), WithHTTPClient(server.Client()))
}

func TestFetchByHandle(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("username"); got != "alice" {
			t.Errorf("unexpected username %q", got)
		}
		if ua := r.Header.Get("User-Agent"); ua != defaultUserAgent {
			t.Errorf("unexpected user agent %q", ua)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"users": []map[string]any{{
				"id":       42,
				"username": "alice",
				"bio":      "hi 0x1111111111111111111111111111111111111111",
				"totalXp":  500,
			}},
		})
	})

	identity, err := client.FetchByHandle(context.Background(), "alice")
	if err != nil {
		t.Fatalf("fetch by handle: %v", err)
	}
	if identity.ExternalID != 42 || identity.Handle != "alice" || identity.TotalXP != 500 {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestFetchByHandleEmptyCollection(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"users": []any{}})
	})

	_, err := client.FetchByHandle(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchByHandleServerError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})

	_, err := client.FetchByHandle(context.Background(), "alice")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestFetchXP(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/42" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("fields"); got != "totalXp" {
			t.Errorf("unexpected fields %q", got)
		}
		_, _ = io.WriteString(w, `{"totalXp": 512}`)
	})

	xp, err := client.FetchXP(context.Background(), 42)
	if err != nil {
		t.Fatalf("fetch xp: %v", err)
	}
	if xp != 512 {
		t.Fatalf("expected 512, got %d", xp)
	}
}

func TestFetchByIDAuthenticated(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("unexpected authorization %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": 42, "username": "alice", "bio": "hola", "totalXp": 7,
		})
	})

	identity, err := client.FetchByIDAuthenticated(context.Background(), 42, "secret-token")
	if err != nil {
		t.Fatalf("authenticated fetch: %v", err)
	}
	if identity.Bio != "hola" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestWriteBio(t *testing.T) {
	t.Parallel()

	var gotBody map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.URL.Path != "/users/42" || r.URL.Query().Get("fields") != "bio" {
			t.Errorf("unexpected url %s", r.URL.String())
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("unexpected authorization %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := client.WriteBio(context.Background(), 42, "secret-token", "new bio"); err != nil {
		t.Fatalf("write bio: %v", err)
	}
	if gotBody["bio"] != "new bio" {
		t.Fatalf("unexpected body: %v", gotBody)
	}
}

func encodeSegment(t *testing.T, payload any) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal segment: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func TestDecodeExternalID(t *testing.T) {
	t.Parallel()

	header := encodeSegment(t, map[string]string{"alg": "HS256", "typ": "JWT"})
	signature := base64.RawURLEncoding.EncodeToString([]byte("unchecked"))

	token := header + "." + encodeSegment(t, map[string]any{"sub": "42", "exp": 4_000_000_000}) + "." + signature
	id, err := DecodeExternalID(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id != 42 {
		t.Fatalf("expected 42, got %d", id)
	}

	for name, bad := range map[string]string{
		"empty":           "",
		"not a jwt":       "hello world",
		"missing subject": header + "." + encodeSegment(t, map[string]any{"aud": "x"}) + "." + signature,
		"textual subject": header + "." + encodeSegment(t, map[string]any{"sub": "alice"}) + "." + signature,
	} {
		if _, err := DecodeExternalID(bad); !errors.Is(err, ErrMalformedCredential) {
			t.Fatalf("%s: expected ErrMalformedCredential, got %v", name, err)
		}
	}
}
