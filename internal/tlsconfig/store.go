// Package tlsconfig loads the listener's certificate and keeps it current.
package tlsconfig

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events an editor or a secret
// rotation produces into one reload.
const reloadDebounce = 100 * time.Millisecond

// CertStore holds the active certificate. Handshakes read it without locking;
// Reload swaps it atomically.
type CertStore struct {
	certPath string
	keyPath  string
	logger   *slog.Logger

	cert atomic.Pointer[tls.Certificate]
}

// NewCertStore loads the key pair at certPath/keyPath. Missing or invalid
// material is an error so the relay refuses to start.
func NewCertStore(certPath, keyPath string, logger *slog.Logger) (*CertStore, error) {
	s := &CertStore{
		certPath: certPath,
		keyPath:  keyPath,
		logger:   logger.With("component", "tls"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload reads the key pair from disk. On failure the previous certificate
// stays active.
func (s *CertStore) Reload() error {
	cert, err := tls.LoadX509KeyPair(s.certPath, s.keyPath)
	if err != nil {
		return fmt.Errorf("load key pair %s, %s: %w", s.certPath, s.keyPath, err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("parse certificate %s: %w", s.certPath, err)
	}
	cert.Leaf = leaf

	s.cert.Store(&cert)

	attrs := []any{
		"cert_path", s.certPath,
		"subject", leaf.Subject.CommonName,
		"expires_at", leaf.NotAfter.Format(time.RFC3339),
	}
	if time.Now().After(leaf.NotAfter) {
		s.logger.Warn("certificate has expired", attrs...)
	} else {
		s.logger.Info("certificate loaded", attrs...)
	}
	return nil
}

// Certificate returns the active certificate.
func (s *CertStore) Certificate() *tls.Certificate {
	return s.cert.Load()
}

// GetCertificate implements tls.Config.GetCertificate.
func (s *CertStore) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := s.cert.Load()
	if cert == nil {
		return nil, errors.New("no certificate loaded")
	}
	return cert, nil
}

// Watch reloads the key pair whenever either file changes, until ctx is done.
// The parent directories are watched so atomic renames and symlink swaps are
// seen as well as in-place writes.
func (s *CertStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	targets := map[string]bool{
		filepath.Clean(s.certPath): true,
		filepath.Clean(s.keyPath):  true,
	}
	dirs := map[string]bool{}
	for path := range targets {
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	s.logger.Info("watching certificate files",
		"cert_path", s.certPath,
		"key_path", s.keyPath,
	)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !targets[filepath.Clean(event.Name)] && !isDataSwap(event) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("certificate file event", "path", event.Name, "op", event.Op.String())

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				if err := s.Reload(); err != nil {
					s.logger.Error("certificate reload failed", "err", err)
				}
			})

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			s.logger.Error("certificate watcher error", "err", err)
		}
	}
}

// isDataSwap matches the "..data" symlink Kubernetes flips when a mounted
// secret is updated.
func isDataSwap(event fsnotify.Event) bool {
	return filepath.Base(event.Name) == "..data"
}

// ServerConfig returns the listener TLS configuration: TLS 1.2 or newer,
// ALPN offering h2 then http/1.1, certificate served from the store.
func ServerConfig(store *CertStore) *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2", "http/1.1"},
		GetCertificate: store.GetCertificate,
	}
}
