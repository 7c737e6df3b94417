package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// CertReloader serves a certificate/key pair and reloads it when the files change.
// A failed reload keeps the previous certificate.
type CertReloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
	now      func() time.Time

	cert     atomic.Pointer[tls.Certificate]
	reloads  atomic.Int64
	failures atomic.Int64

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewCertReloader loads the pair once. The initial load must succeed.
func NewCertReloader(certFile, keyFile string, logger *slog.Logger) (*CertReloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if certFile == "" || keyFile == "" {
		return nil, errors.New("cert_file and key_file are required")
	}
	r := &CertReloader{
		certFile: filepath.Clean(certFile),
		keyFile:  filepath.Clean(keyFile),
		logger:   logger,
		now:      time.Now,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := r.cert.Load()
	if cert == nil {
		return nil, errors.New("no server certificate loaded")
	}
	return cert, nil
}

// Leaf returns the parsed leaf of the current certificate.
func (r *CertReloader) Leaf() *x509.Certificate {
	if cert := r.cert.Load(); cert != nil {
		return cert.Leaf
	}
	return nil
}

// Reload reads and validates the pair and swaps it in.
func (r *CertReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		r.failures.Add(1)
		return fmt.Errorf("load certificate %s: %w", r.certFile, err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			r.failures.Add(1)
			return fmt.Errorf("parse leaf certificate: %w", err)
		}
		cert.Leaf = leaf
	}

	now := r.now()
	if now.Before(cert.Leaf.NotBefore) {
		r.failures.Add(1)
		return fmt.Errorf("certificate %s is not valid before %s", r.certFile, cert.Leaf.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.Leaf.NotAfter) {
		r.failures.Add(1)
		return fmt.Errorf("certificate %s expired at %s", r.certFile, cert.Leaf.NotAfter.Format(time.RFC3339))
	}
	if daysLeft := int(cert.Leaf.NotAfter.Sub(now).Hours() / 24); daysLeft <= 30 {
		r.logger.Warn("server certificate expires soon",
			"cert_file", r.certFile,
			"days_until_expiry", daysLeft,
		)
	}

	r.cert.Store(&cert)
	r.reloads.Add(1)
	r.logger.Info("server certificate loaded",
		"cert_file", r.certFile,
		"subject", cert.Leaf.Subject.String(),
		"dns_names", cert.Leaf.DNSNames,
		"not_after", cert.Leaf.NotAfter,
	)
	return nil
}

// Stats returns successful and failed load counts.
func (r *CertReloader) Stats() (reloads, failures int64) {
	return r.reloads.Load(), r.failures.Load()
}

// Watch reloads the pair when either file changes until ctx is done. The
// parent directories are watched so atomic renames are observed.
func (r *CertReloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create certificate watcher: %w", err)
	}
	dirs := map[string]struct{}{
		filepath.Dir(r.certFile): {},
		filepath.Dir(r.keyFile):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	r.mu.Lock()
	r.watcher = watcher
	r.mu.Unlock()

	go r.watchLoop(ctx, watcher)
	return nil
}

func (r *CertReloader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if name != r.certFile && name != r.keyFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := r.Reload(); err != nil {
					r.logger.Error("server certificate reload failed, keeping previous certificate", "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("certificate watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (r *CertReloader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	r.watcher = nil
	return err
}
