package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodPassword = "correct-horse"

// stubServer serves both the Parscade API and the identity provider paths.
type stubServer struct {
	*httptest.Server

	mu          sync.Mutex
	token       string
	signIns     []map[string]string
	passwords   []string
	resets      []string
	resends     []map[string]string
	logouts     int
	uploadBody  []byte
	uploadType  string
	uploadCalls int
}

func mintToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"email": "ada@example.com",
		"exp":   exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var providerUser = map[string]any{
	"id":                 "user-1",
	"email":              "ada@example.com",
	"email_confirmed_at": "2026-01-01T00:00:00Z",
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()
	s := &stubServer{token: mintToken(t, "user-1", time.Now().Add(time.Hour))}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.signIns = append(s.signIns, body)
		s.mu.Unlock()

		if body["password"] != goodPassword {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "INVALID_CREDENTIALS", "message": "invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user":    map[string]any{"id": "user-1", "email": "ada@example.com"},
			"session": map[string]any{"access_token": s.token, "refresh_token": "refresh-1"},
		})
	})
	mux.HandleFunc("POST /v1/auth/signup", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"user":    map[string]any{"id": "user-2", "email": "new@example.com"},
			"session": nil,
		})
	})
	mux.HandleFunc("POST /v1/auth/signout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /v1/auth/reset-password", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.resets = append(s.resets, body["email"])
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"message": "Reset link sent."})
	})
	mux.HandleFunc("GET /v1/account/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":                "user-1",
			"email":             "ada@example.com",
			"full_name":         "Ada Lovelace",
			"username":          "ada",
			"subscription_tier": "pro",
			"role":              "user",
		})
	})
	mux.HandleFunc("GET /auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, providerUser)
	})
	mux.HandleFunc("PUT /auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.passwords = append(s.passwords, body["password"])
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, providerUser)
	})
	mux.HandleFunc("POST /auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.logouts++
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /auth/v1/resend", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.resends = append(s.resends, body)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	mux.HandleFunc("PUT /uploads/doc", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.uploadBody = data
		s.uploadType = r.Header.Get("Content-Type")
		s.uploadCalls++
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// setupEnv points the client at srv and returns the session file path.
func setupEnv(t *testing.T, srv *stubServer) string {
	t.Helper()
	session := filepath.Join(t.TempDir(), "session.json")
	t.Setenv("PARSCADE_API_BASE_URL", srv.URL)
	t.Setenv("PARSCADE_AUTH_URL", srv.URL)
	t.Setenv("PARSCADE_AUTH_ANON_KEY", "anon-key")
	t.Setenv("PARSCADE_SESSION_FILE", session)
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("HTTP_RETRY_ATTEMPTS", "1")
	t.Setenv("HTTP_CIRCUIT_BREAKER", "false")
	t.Setenv("RESET_COMPLETE_DELAY", "0s")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("OPS_HTTP_PORT", "0")
	return session
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func signIn(t *testing.T) {
	t.Helper()
	_, _, err := run(t, "", "signin", "-u", "ada@example.com", "-p", goodPassword)
	require.NoError(t, err)
}

func TestRoot_ListsCommands(t *testing.T) {
	out, _, err := run(t, "", "--help")
	require.NoError(t, err)

	for _, name := range []string{"signin", "signup", "signout", "status", "resend-confirmation", "forgot-password", "reset-password", "upload", "watch"} {
		assert.Contains(t, out, name)
	}
}

func TestRoot_ConfigErrorIsReported(t *testing.T) {
	srv := newStubServer(t)
	setupEnv(t, srv)
	t.Setenv("PARSCADE_API_BASE_URL", "not a url")

	_, _, err := run(t, "", "status")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestSignIn_PrintsUser(t *testing.T) {
	srv := newStubServer(t)
	session := setupEnv(t, srv)

	out, _, err := run(t, "", "signin", "-u", "Ada@Example.com", "-p", goodPassword)
	require.NoError(t, err)

	assert.Contains(t, out, "Signed in as ada <ada@example.com>")
	assert.Contains(t, out, "Plan: pro")
	assert.NotContains(t, out, "not confirmed")
	assert.FileExists(t, session)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.signIns, 1)
	assert.Equal(t, "ada@example.com", srv.signIns[0]["email"])
}

func TestSignIn_PromptsForMissingValues(t *testing.T) {
	srv := newStubServer(t)
	setupEnv(t, srv)

	out, errOut, err := run(t, "ada\n"+goodPassword+"\n", "signin")
	require.NoError(t, err)

	assert.Contains(t, errOut, "Email or username: ")
	assert.Contains(t, errOut, "Password: ")
	assert.Contains(t, out, "Signed in as ada")

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.signIns, 1)
	assert.Equal(t, "ada", srv.signIns[0]["username"])
}

func TestSignIn_WrongPasswordShowsDisplayMessage(t *testing.T) {
	srv := newStubServer(t)
	session := setupEnv(t, srv)

	out, _, err := run(t, "", "signin", "-u", "ada@example.com", "-p", "nope")

	require.Error(t, err)
	assert.Equal(t, "Invalid email/username or password.", err.Error())
	assert.Empty(t, out)
	assert.NoFileExists(t, session)
}

func TestSignIn_NoInput(t *testing.T) {
	srv := newStubServer(t)
	setupEnv(t, srv)

	_, _, err := run(t, "", "signin")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no input")
}

func TestStatus(t *testing.T) {
	srv := newStubServer(t)
	setupEnv(t, srv)

	out, _, err := run(t, "", "status")
	require.NoError(t, err)
	assert.Equal(t, "Not signed in.\n", out)

	signIn(t)

	out, _, err = run(t, "", "whoami", "--json")
	require.NoError(t, err)

	var got StatusOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.Authenticated)
	assert.True(t, got.EmailConfirmed)
	require.NotNil(t, got.User)
	assert.Equal(t, "user-1", got.User.ID)
	assert.Equal(t, "ada", got.User.Username)
	assert.Equal(t, "pro", got.User.Plan)
}

func TestSignOut_ClearsSession(t *testing.T) {
	srv := newStubServer(t)
	session := setupEnv(t, srv)
	signIn(t)
	require.FileExists(t, session)

	out, _, err := run(t, "", "signout")
	require.NoError(t, err)

	assert.Equal(t, "Signed out.\n", out)
	assert.NoFileExists(t, session)
	srv.mu.Lock()
	assert.Equal(t, 1, srv.logouts)
	srv.mu.Unlock()

	out, _, err = run(t, "", "status")
	require.NoError(t, err)
	assert.Equal(t, "Not signed in.\n", out)
}

func TestSignUp_ConfirmationRequired(t *testing.T) {
	srv := newStubServer(t)
	setupEnv(t, srv)

	out, _, err := run(t, "", "signup", "--email", "new@example.com", "-p", "Zebra#Moon7x", "--name", "New User")
	require.NoError(t, err)

	assert.Contains(t, out, "Not signed in.")
	assert.Contains(t, out, "Please check your email to confirm your account before signing in.")
}

func TestForgotPassword(t *testing.T) {
	srv := newStubServer(t)
	setupEnv(t, srv)

	out, _, err := run(t, "", "forgot-password", "--email", "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Reset link sent.\n", out)

	out, _, err = run(t, "ada@example.com\n", "forgot-password", "--json")
	require.NoError(t, err)
	var got MessageOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, MessageOutput{Email: "ada@example.com", Message: "Reset link sent."}, got)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"ada@example.com", "ada@example.com"}, srv.resets)
}

func TestResendConfirmation(t *testing.T) {
	srv := newStubServer(t)
	setupEnv(t, srv)

	out, _, err := run(t, "", "resend-confirmation", "--email", " Ada@Example.com ")
	require.NoError(t, err)
	assert.Contains(t, out, "Confirmation email sent to")

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.resends, 1)
	assert.Equal(t, "signup", srv.resends[0]["type"])
	assert.Equal(t, "ada@example.com", srv.resends[0]["email"])
}

func TestResetPassword_SignedInAccount(t *testing.T) {
	srv := newStubServer(t)
	session := setupEnv(t, srv)
	signIn(t)

	out, _, err := run(t, "Zebra#Moon7x\nZebra#Moon7x\n",
		"reset-password", "https://app.parscade.com/reset-password", "--json")
	require.NoError(t, err)

	var got ResetOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, ResetOutput{Status: "complete", AutoLoggedIn: true, Redirect: "/?reset=success"}, got)
	assert.NoFileExists(t, session, "credentials are purged after a reset")

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"Zebra#Moon7x"}, srv.passwords)
}

func TestResetPassword_EmailLinkWithOpaqueToken(t *testing.T) {
	srv := newStubServer(t)
	session := setupEnv(t, srv)

	link := "https://app.parscade.com/reset-password#access_token=Xk29_abcDEFghiJKLmnoPQR-stu" +
		"&refresh_token=r1&expires_in=3600&token_type=bearer&type=recovery"
	out, _, err := run(t, "", "reset-password", link, "-p", "Zebra#Moon7x", "--confirm", "Zebra#Moon7x", "--json")
	require.NoError(t, err)

	var got ResetOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, ResetOutput{Status: "complete", AutoLoggedIn: false, Redirect: "/?reset=success"}, got)
	assert.NoFileExists(t, session)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"Zebra#Moon7x"}, srv.passwords)
}

func TestResetPassword_AsksAgainAfterFormError(t *testing.T) {
	srv := newStubServer(t)
	setupEnv(t, srv)
	signIn(t)

	out, _, err := run(t, "short\nshort\nZebra#Moon7x\nZebra#Moon7x\n",
		"reset-password", "https://app.parscade.com/reset-password")
	require.NoError(t, err)
	assert.Contains(t, out, "Password updated.")

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"Zebra#Moon7x"}, srv.passwords)
}

func TestResetPassword_FlagPasswordFormErrorFails(t *testing.T) {
	srv := newStubServer(t)
	setupEnv(t, srv)
	signIn(t)

	_, _, err := run(t, "", "reset-password", "https://app.parscade.com/reset-password",
		"-p", "Zebra#Moon7x", "--confirm", "Zebra#Moon7y")

	require.Error(t, err)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Empty(t, srv.passwords)
}

func TestResetPassword_InvalidLinks(t *testing.T) {
	tests := []struct {
		name string
		link string
	}{
		{name: "short token", link: "https://app.parscade.com/reset-password#access_token=short&type=recovery"},
		{name: "wrong type", link: "https://app.parscade.com/reset-password#access_token=abcdefghijklmnopqrstuvwxyz&type=signup"},
		{name: "no token and not signed in", link: "https://app.parscade.com/reset-password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newStubServer(t)
			setupEnv(t, srv)

			_, _, err := run(t, "Zebra#Moon7x\nZebra#Moon7x\n", "reset-password", tt.link)

			require.Error(t, err)
			assert.NotEmpty(t, err.Error())
			srv.mu.Lock()
			defer srv.mu.Unlock()
			assert.Empty(t, srv.passwords)
		})
	}
}

func TestUpload(t *testing.T) {
	srv := newStubServer(t)
	setupEnv(t, srv)

	path := filepath.Join(t.TempDir(), "report.pdf")
	content := bytes.Repeat([]byte("%PDF-1.7 "), 512)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	out, errOut, err := run(t, "", "upload", srv.URL+"/uploads/doc", path)
	require.NoError(t, err)

	assert.Equal(t, "Uploaded report.pdf (4608 bytes, application/pdf)\n", out)
	assert.Contains(t, errOut, "100%")

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, content, srv.uploadBody)
	assert.Equal(t, "application/pdf", srv.uploadType)
}

func TestUpload_ContentTypeFlagAndJSON(t *testing.T) {
	srv := newStubServer(t)
	setupEnv(t, srv)

	path := filepath.Join(t.TempDir(), "scan")
	require.NoError(t, os.WriteFile(path, []byte("raw bytes"), 0o600))

	out, errOut, err := run(t, "", "upload", srv.URL+"/uploads/doc", path, "--content-type", "image/tiff", "--json")
	require.NoError(t, err)

	var got UploadOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, UploadOutput{File: "scan", Bytes: 9, ContentType: "image/tiff"}, got)
	assert.NotContains(t, errOut, "Uploading")
}

func TestUpload_MissingFile(t *testing.T) {
	srv := newStubServer(t)
	setupEnv(t, srv)

	_, _, err := run(t, "", "upload", srv.URL+"/uploads/doc", filepath.Join(t.TempDir(), "missing.pdf"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "open")
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Zero(t, srv.uploadCalls)
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "application/pdf", detectContentType("a/b/report.pdf"))
	assert.Equal(t, "application/octet-stream", detectContentType("README"))
}

// syncBuffer lets the test read output while the command is still writing.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatch_PrintsStateUntilCancelled(t *testing.T) {
	srv := newStubServer(t)
	setupEnv(t, srv)
	signIn(t)

	out := &syncBuffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"watch"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "signed in as ada")
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
