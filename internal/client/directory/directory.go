// Package directory is the device's client for the server's identity
// directory: registration, certificate login and user lookups.
package directory

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/atinyakov/GophChat/internal/models"
)

const (
	apiRegister = "/api/register"
	apiLogin    = "/api/login"
	apiUsers    = "/api/users"
)

var (
	// ErrUserExists is returned by Register for a taken login.
	ErrUserExists = errors.New("user already exists")
	// ErrNotFound is returned by Lookup for an unknown user.
	ErrNotFound = errors.New("user not found")
)

// Credentials are a device certificate and key in PEM form.
type Credentials struct {
	Cert string `json:"cert,omitempty"`
	Key  string `json:"key,omitempty"`
}

// Client talks to the directory endpoints of one server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL (scheme://host[:port]). tlsCfg may be nil
// for plain HTTP.
func New(baseURL string, tlsCfg *tls.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			Timeout:   10 * time.Second,
		},
	}
}

// TLSConfig builds a client TLS configuration trusting caFile and presenting
// the certificate pair when certFile is set. Empty paths are skipped.
func TLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA cert")
		}
		cfg.RootCAs = pool
	}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Register creates login on the server. Credentials are empty when the server
// does not issue certificates.
func (c *Client) Register(ctx context.Context, login string) (Credentials, error) {
	body, err := json.Marshal(map[string]string{"login": login})
	if err != nil {
		return Credentials{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, apiRegister, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, fmt.Errorf("register failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
	case http.StatusConflict:
		return Credentials{}, ErrUserExists
	default:
		return Credentials{}, serverError(resp)
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return creds, nil
}

// Login confirms the presented client certificate belongs to a registered
// user and returns that user's id.
func (c *Client) Login(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, apiLogin, nil)
	if err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", serverError(resp)
	}
	var out struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return out.User, nil
}

// Lookup fetches one user or ErrNotFound.
func (c *Client) Lookup(ctx context.Context, id string) (models.User, error) {
	resp, err := c.do(ctx, http.MethodGet, apiUsers+"/"+url.PathEscape(id), nil)
	if err != nil {
		return models.User{}, fmt.Errorf("lookup failed: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return models.User{}, ErrNotFound
	default:
		return models.User{}, serverError(resp)
	}
	var u models.User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return models.User{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return u, nil
}

// Search lists users whose id contains query. limit <= 0 uses the server
// default.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]models.User, error) {
	q := url.Values{}
	q.Set("q", query)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	resp, err := c.do(ctx, http.MethodGet, apiUsers+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, serverError(resp)
	}
	var users []models.User
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return users, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func serverError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("server error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

// SaveCredentials writes name.crt and name.key into dir with owner-only
// permissions and returns their paths.
func SaveCredentials(dir, name string, creds Credentials) (certPath, keyPath string, err error) {
	if creds.Cert == "" || creds.Key == "" {
		return "", "", errors.New("no credentials to save")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create %s: %w", dir, err)
	}
	certPath = filepath.Join(dir, name+".crt")
	keyPath = filepath.Join(dir, name+".key")
	if err := os.WriteFile(certPath, []byte(creds.Cert), 0o600); err != nil {
		return "", "", fmt.Errorf("failed to save %s: %w", certPath, err)
	}
	if err := os.WriteFile(keyPath, []byte(creds.Key), 0o600); err != nil {
		return "", "", fmt.Errorf("failed to save %s: %w", keyPath, err)
	}
	return certPath, keyPath, nil
}
