package directory

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/atinyakov/GophChat/internal/certgen"
	"github.com/atinyakov/GophChat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/register", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req["login"] {
		case "taken":
			http.Error(w, "user already exists", http.StatusConflict)
		case "boom":
			http.Error(w, "failed to save user", http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"login": req["login"], "cert": "C", "key": "K"})
		}
	})
	mux.HandleFunc("/api/users/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users/alice" {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(models.User{ID: "alice"})
	})
	mux.HandleFunc("/api/users", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "al", r.URL.Query().Get("q"))
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode([]models.User{{ID: "alice"}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRegister(t *testing.T) {
	c := New(fakeServer(t).URL+"/", nil)
	ctx := context.Background()

	creds, err := c.Register(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, Credentials{Cert: "C", Key: "K"}, creds)

	_, err = c.Register(ctx, "taken")
	assert.ErrorIs(t, err, ErrUserExists)

	_, err = c.Register(ctx, "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save user")
}

func TestLookupAndSearch(t *testing.T) {
	c := New(fakeServer(t).URL, nil)
	ctx := context.Background()

	u, err := c.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.ID)

	_, err = c.Lookup(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	users, err := c.Search(ctx, "al", 3)
	require.NoError(t, err)
	assert.Equal(t, []models.User{{ID: "alice"}}, users)
}

func TestTLSConfig(t *testing.T) {
	dir := t.TempDir()

	_, err := TLSConfig("", "", filepath.Join(dir, "nonexistent.pem"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)

	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))
	_, err = TLSConfig("", "", bad)
	assert.EqualError(t, err, "failed to parse CA cert")

	ca, err := certgen.NewAuthority("Test CA")
	require.NoError(t, err)
	caPEM, _, err := ca.PEM()
	require.NoError(t, err)
	caPath := filepath.Join(dir, "ca.crt")
	require.NoError(t, os.WriteFile(caPath, caPEM, 0o600))

	certPEM, keyPEM, err := ca.IssueDevice("alice")
	require.NoError(t, err)
	certPath, keyPath, err := SaveCredentials(dir, "alice", Credentials{Cert: string(certPEM), Key: string(keyPEM)})
	require.NoError(t, err)

	cfg, err := TLSConfig(certPath, keyPath, caPath)
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Len(t, cfg.Certificates, 1)

	_, err = TLSConfig(certPath, filepath.Join(dir, "missing.key"), caPath)
	assert.Error(t, err)
}

func TestLogin_MutualTLS(t *testing.T) {
	ca, err := certgen.NewAuthority("Test CA")
	require.NoError(t, err)
	srvCert, srvKey, err := ca.IssueServer("127.0.0.1")
	require.NoError(t, err)
	pair, err := tls.X509KeyPair(srvCert, srvKey)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "client certificate required", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "user": r.TLS.PeerCertificates[0].Subject.CommonName})
	}))
	srv.TLS = &tls.Config{
		Certificates: []tls.Certificate{pair},
		ClientCAs:    ca.Pool(),
		ClientAuth:   tls.VerifyClientCertIfGiven,
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	certPEM, keyPEM, err := ca.IssueDevice("bob")
	require.NoError(t, err)
	certPath, keyPath, err := SaveCredentials(dir, "bob", Credentials{Cert: string(certPEM), Key: string(keyPEM)})
	require.NoError(t, err)

	caPEM, _, _ := ca.PEM()
	caPath := filepath.Join(dir, "ca.crt")
	require.NoError(t, os.WriteFile(caPath, caPEM, 0o600))

	cfg, err := TLSConfig(certPath, keyPath, caPath)
	require.NoError(t, err)
	user, err := New(srv.URL, cfg).Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bob", user)

	anon, err := TLSConfig("", "", caPath)
	require.NoError(t, err)
	_, err = New(srv.URL, anon).Login(context.Background())
	assert.Error(t, err)
}

func TestSaveCredentials(t *testing.T) {
	_, _, err := SaveCredentials(t.TempDir(), "x", Credentials{})
	assert.Error(t, err)

	dir := filepath.Join(t.TempDir(), "nested")
	certPath, keyPath, err := SaveCredentials(dir, "carol", Credentials{Cert: "C", Key: "K"})
	require.NoError(t, err)
	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	data, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, "C", string(data))
}

