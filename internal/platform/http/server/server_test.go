package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	cryptotls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/encryptor-sim/controlplane/internal/platform/config"
)

func getFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("getFreePort: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// generateTestCert creates a self-signed cert+key pair and writes them as
// cert.pem and key.pem in dir. Returns the paths.
func generateTestCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func waitForListener(t *testing.T, addr string, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

// TestServer_OffMode_ServesRouter exercises the plaintext listener and
// confirms the auth gate rejects an unauthenticated request to a protected
// path even with no handlers mounted.
func TestServer_OffMode_ServesRouter(t *testing.T) {
	addr := "127.0.0.1:" + strconv.Itoa(getFreePort(t))
	cfg := &config.Config{
		ListenAddr: addr,
		TLS:        config.TLSConfig{Mode: "off"},
	}
	router := BuildRouter(slog.Default(), Dependencies{})
	srv := New(cfg, slog.Default(), router)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		<-errCh
	})

	if !waitForListener(t, addr, 2*time.Second) {
		t.Fatal("server did not start listening")
	}

	resp, err := http.Get("http://" + addr + "/api/v1/system/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for unauthenticated protected path, got %d", resp.StatusCode)
	}
}

// TestServer_StaticTLS_ServesOverHTTPS exercises the static certificate path.
func TestServer_StaticTLS_ServesOverHTTPS(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := generateTestCert(t, dir)

	addr := "127.0.0.1:" + strconv.Itoa(getFreePort(t))
	cfg := &config.Config{
		ListenAddr: addr,
		TLS: config.TLSConfig{
			Mode:     "static",
			CertFile: certPath,
			KeyFile:  keyPath,
		},
	}
	router := BuildRouter(slog.Default(), Dependencies{})
	srv := New(cfg, slog.Default(), router)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		<-errCh
	})

	if !waitForListener(t, addr, 2*time.Second) {
		t.Fatal("server did not start listening")
	}

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &cryptotls.Config{InsecureSkipVerify: true},
	}}
	resp, err := client.Get("https://" + addr + "/api/v1/system/health")
	if err != nil {
		t.Fatalf("https request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for unauthenticated protected path, got %d", resp.StatusCode)
	}
}

// TestServer_SelfSignedTLS_GeneratesCertOnFirstBoot exercises the selfsigned
// mode, confirming the server generates and persists its own certificate.
func TestServer_SelfSignedTLS_GeneratesCertOnFirstBoot(t *testing.T) {
	dir := t.TempDir()
	addr := "127.0.0.1:" + strconv.Itoa(getFreePort(t))
	cfg := &config.Config{
		ListenAddr: addr,
		TLS: config.TLSConfig{
			Mode:          "selfsigned",
			SelfSignedDir: dir,
		},
	}
	router := BuildRouter(slog.Default(), Dependencies{})
	srv := New(cfg, slog.Default(), router)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		<-errCh
	})

	if !waitForListener(t, addr, 2*time.Second) {
		t.Fatal("server did not start listening")
	}

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &cryptotls.Config{InsecureSkipVerify: true},
	}}
	resp, err := client.Get("https://" + addr + "/api/v1/system/health")
	if err != nil {
		t.Fatalf("https request failed: %v", err)
	}
	resp.Body.Close()

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		t.Error("expected selfsigned mode to persist a cert/key pair to SelfSignedDir")
	}
}

// TestServer_InvalidTLSMode_StartFails confirms an unrecognized TLS mode
// fails fast instead of silently serving plaintext.
func TestServer_InvalidTLSMode_StartFails(t *testing.T) {
	cfg := &config.Config{
		ListenAddr: "127.0.0.1:0",
		TLS:        config.TLSConfig{Mode: "bogus"},
	}
	router := BuildRouter(slog.Default(), Dependencies{})
	srv := New(cfg, slog.Default(), router)

	if err := srv.Start(); err == nil {
		t.Error("expected error for invalid TLS mode, got nil")
	}
}

// TestBuildRouter_AuthLoginIsUnauthenticated confirms /auth/login, one of the
// two exception paths, bypasses the auth gate, exercised directly against the
// router without a live listener.
func TestBuildRouter_AuthLoginIsUnauthenticated(t *testing.T) {
	router := BuildRouter(slog.Default(), Dependencies{})

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	rec := &recorderResponseWriter{header: http.Header{}}
	router.ServeHTTP(rec, req)

	if rec.status == http.StatusUnauthorized {
		t.Errorf("expected /auth/login to bypass the auth gate, got 401")
	}
}

// TestBuildRouter_ProtectedPathRejectsMissingToken confirms an arbitrary
// mounted path under /api/v1 requires a bearer token.
func TestBuildRouter_ProtectedPathRejectsMissingToken(t *testing.T) {
	router := BuildRouter(slog.Default(), Dependencies{})

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/system/health", nil)
	rec := &recorderResponseWriter{header: http.Header{}}
	router.ServeHTTP(rec, req)

	if rec.status != http.StatusUnauthorized {
		t.Errorf("expected 401 for protected path with no token, got %d", rec.status)
	}
}

// recorderResponseWriter is a minimal http.ResponseWriter for router-level
// assertions that don't need a live listener.
type recorderResponseWriter struct {
	header http.Header
	status int
	body   []byte
}

func (w *recorderResponseWriter) Header() http.Header { return w.header }
func (w *recorderResponseWriter) Write(b []byte) (int, error) {
	w.body = append(w.body, b...)
	return len(b), nil
}
func (w *recorderResponseWriter) WriteHeader(statusCode int) { w.status = statusCode }
