package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/orgguard/orgguard/internal/errors"
)

func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return string(pem.EncodeToMemory(block))
}

// newTestClient spins up a mock GitHub API that serves the token
// exchange plus whatever the handler provides, and returns a client
// pointed at it. tokenHits counts installation token exchanges.
func newTestClient(t *testing.T, tokenHits *atomic.Int64, handler http.HandlerFunc) *Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/app/installations/42/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		if tokenHits != nil {
			tokenHits.Add(1)
		}
		if r.Method != http.MethodPost {
			t.Errorf("token exchange used %s, want POST", r.Method)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(installationToken{
			Token:     "ghs_testtoken",
			ExpiresAt: time.Now().Add(time.Hour),
		})
	})
	if handler != nil {
		mux.HandleFunc("/", handler)
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		AppID:          7,
		PrivateKeyPEM:  testPrivateKeyPEM(t),
		InstallationID: 42,
		Org:            "acme",
		BaseURL:        server.URL,
		Timeout:        5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestInstallationTokenReused(t *testing.T) {
	var tokenHits atomic.Int64
	client := newTestClient(t, &tokenHits, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer ghs_testtoken" {
			t.Errorf("Authorization = %q, want installation token", got)
		}
		json.NewEncoder(w).Encode([]Repository{})
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := client.ListOrgRepos(ctx); err != nil {
			t.Fatalf("ListOrgRepos: %v", err)
		}
	}
	if hits := tokenHits.Load(); hits != 1 {
		t.Errorf("token exchanges = %d, want 1", hits)
	}
}

func TestInstallationTokenRefreshAfterInvalidate(t *testing.T) {
	var tokenHits atomic.Int64
	client := newTestClient(t, &tokenHits, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Repository{})
	})

	ctx := context.Background()
	if _, err := client.ListOrgRepos(ctx); err != nil {
		t.Fatalf("ListOrgRepos: %v", err)
	}
	client.InvalidateToken()
	if _, err := client.ListOrgRepos(ctx); err != nil {
		t.Fatalf("ListOrgRepos after invalidate: %v", err)
	}
	if hits := tokenHits.Load(); hits != 2 {
		t.Errorf("token exchanges = %d, want 2", hits)
	}
}

func TestListOrgReposPaginates(t *testing.T) {
	client := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		var repos []Repository
		switch page {
		case "1":
			for i := 0; i < 100; i++ {
				repos = append(repos, Repository{ID: int64(i + 1), FullName: fmt.Sprintf("acme/repo-%d", i+1)})
			}
		case "2":
			repos = []Repository{{ID: 101, FullName: "acme/repo-101"}}
		default:
			t.Errorf("unexpected page %q", page)
		}
		json.NewEncoder(w).Encode(repos)
	})

	repos, err := client.ListOrgRepos(context.Background())
	if err != nil {
		t.Fatalf("ListOrgRepos: %v", err)
	}
	if len(repos) != 101 {
		t.Fatalf("got %d repos, want 101", len(repos))
	}
	if repos[100].FullName != "acme/repo-101" {
		t.Errorf("last repo = %q", repos[100].FullName)
	}
}

func TestGetFileContentDecodesBase64(t *testing.T) {
	// GitHub wraps base64 content with newlines every 60 chars.
	encoded := base64.StdEncoding.EncodeToString([]byte("spec:\n  owner: team-platform\n"))
	wrapped := encoded[:20] + "\n" + encoded[20:]

	client := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"path":     "catalog-info.yaml",
			"sha":      "abc123",
			"content":  wrapped,
			"encoding": "base64",
		})
	})

	content, err := client.GetFileContent(context.Background(), "acme/svc", "catalog-info.yaml")
	if err != nil {
		t.Fatalf("GetFileContent: %v", err)
	}
	if content.Text != "spec:\n  owner: team-platform\n" {
		t.Errorf("decoded content = %q", content.Text)
	}
}

func TestFileExistsDowngrades404(t *testing.T) {
	client := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})

	exists, err := client.FileExists(context.Background(), "acme/svc", "AGENTS.md")
	if err != nil {
		t.Fatalf("FileExists: %v", err)
	}
	if exists {
		t.Error("FileExists = true for 404")
	}
}

func TestGetWorkflowPermissions(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantNil bool
		want    string
	}{
		{"actions disabled", http.StatusNotFound, `{"message":"Not Found"}`, true, ""},
		{"empty permissions", http.StatusOK, `{}`, true, ""},
		{"read only", http.StatusOK, `{"default_workflow_permissions":"read"}`, false, "read"},
		{"write", http.StatusOK, `{"default_workflow_permissions":"write"}`, false, "write"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			perms, err := client.GetWorkflowPermissions(context.Background(), "acme/svc")
			if err != nil {
				t.Fatalf("GetWorkflowPermissions: %v", err)
			}
			if tt.wantNil {
				if perms != nil {
					t.Errorf("perms = %+v, want nil", perms)
				}
				return
			}
			if perms == nil || perms.DefaultWorkflowPermissions != tt.want {
				t.Errorf("perms = %+v, want %q", perms, tt.want)
			}
		})
	}
}

func TestSecondaryRateLimitSurfaces(t *testing.T) {
	client := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		http.Error(w, `{"message":"You have exceeded a secondary rate limit"}`, http.StatusForbidden)
	})

	_, err := client.ListOrgRepos(context.Background())
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	retryAfter, ok := apperrors.IsRateLimited(err)
	if !ok {
		t.Fatalf("error %v not classified as rate limit", err)
	}
	if retryAfter != 30*time.Second {
		t.Errorf("retryAfter = %v, want 30s", retryAfter)
	}
}

func TestAuthErrorClassified(t *testing.T) {
	client := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
	})

	_, err := client.GetRepositoryByID(context.Background(), 99)
	if err == nil {
		t.Fatal("expected auth error")
	}
	if !apperrors.IsAuthError(err) {
		t.Errorf("error %v not classified as auth", err)
	}
}

func TestIsTeamMember(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"active member", http.StatusOK, `{"state":"active"}`, true},
		{"pending member", http.StatusOK, `{"state":"pending"}`, false},
		{"not a member", http.StatusNotFound, `{"message":"Not Found"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
					t.Errorf("Authorization = %q, want user token", got)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			member, err := client.IsTeamMember(context.Background(), "user-token", "acme", "platform", "octocat")
			if err != nil {
				t.Fatalf("IsTeamMember: %v", err)
			}
			if member != tt.want {
				t.Errorf("member = %v, want %v", member, tt.want)
			}
		})
	}
}
