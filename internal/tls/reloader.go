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

// ErrCertificateExpired is returned for a key pair whose leaf is outside its
// validity window.
var ErrCertificateExpired = errors.New("certificate is not valid at the current time")

// CertReloader serves the most recently loaded key pair through
// GetCertificate.
type CertReloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
	onReload func(error)
	debounce time.Duration

	cert atomic.Pointer[tls.Certificate]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// ReloaderOption configures a CertReloader.
type ReloaderOption func(*CertReloader)

// WithReloadCallback registers fn to observe every reload attempt.
func WithReloadCallback(fn func(error)) ReloaderOption {
	return func(r *CertReloader) { r.onReload = fn }
}

// WithReloadDebounce overrides the default 100ms debounce window.
func WithReloadDebounce(d time.Duration) ReloaderOption {
	return func(r *CertReloader) { r.debounce = d }
}

// NewCertReloader loads the key pair. Call Watch to follow file changes.
func NewCertReloader(certFile, keyFile string, logger *slog.Logger, opts ...ReloaderOption) (*CertReloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &CertReloader{
		certFile: filepath.Clean(certFile),
		keyFile:  filepath.Clean(keyFile),
		logger:   logger,
		debounce: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}

	cert, err := loadKeyPair(r.certFile, r.keyFile, time.Now())
	if err != nil {
		return nil, err
	}
	r.cert.Store(cert)
	logCertificate(logger, "Certificate loaded", r.certFile, cert)
	return r, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.cert.Load(), nil
}

// Reload re-reads the key pair. On failure the previous pair stays active.
func (r *CertReloader) Reload() error {
	cert, err := loadKeyPair(r.certFile, r.keyFile, time.Now())
	if err == nil {
		r.cert.Store(cert)
		logCertificate(r.logger, "Certificate reloaded", r.certFile, cert)
	} else {
		r.logger.Error("Certificate reload failed, keeping previous certificate",
			"cert_file", r.certFile,
			"error", err,
		)
	}
	if r.onReload != nil {
		r.onReload(err)
	}
	return err
}

// Watch starts following the certificate and key files.
func (r *CertReloader) Watch() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Directories are watched so that atomic replacements (Kubernetes secret
	// volumes, certbot renewals) are seen.
	dirs := map[string]struct{}{
		filepath.Dir(r.certFile): {},
		filepath.Dir(r.keyFile):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %q: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.watcher = watcher
	r.cancel = cancel
	go r.watchLoop(ctx, watcher)

	r.logger.Info("Watching certificate files", "cert_file", r.certFile, "key_file", r.keyFile)
	return nil
}

func (r *CertReloader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
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
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(r.debounce, func() { _ = r.Reload() })
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("Certificate watcher error", "error", err)
		}
	}
}

// Close stops watching. It is safe to call more than once.
func (r *CertReloader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.watcher == nil {
		return nil
	}
	r.cancel()
	err := r.watcher.Close()
	r.watcher = nil
	return err
}

func loadKeyPair(certFile, keyFile string, now time.Time) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair %s: %w", certFile, err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate %s: %w", certFile, err)
	}
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return nil, fmt.Errorf("%w: %s (valid %s to %s)", ErrCertificateExpired, certFile,
			leaf.NotBefore.Format(time.RFC3339), leaf.NotAfter.Format(time.RFC3339))
	}
	cert.Leaf = leaf
	return &cert, nil
}

func logCertificate(logger *slog.Logger, msg, certFile string, cert *tls.Certificate) {
	if cert.Leaf == nil {
		return
	}
	logger.Info(msg,
		"cert_file", certFile,
		"subject", cert.Leaf.Subject.CommonName,
		"dns_names", cert.Leaf.DNSNames,
		"not_after", cert.Leaf.NotAfter,
		"serial_number", cert.Leaf.SerialNumber.String(),
	)
}
