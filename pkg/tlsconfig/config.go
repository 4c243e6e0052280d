package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"

	"github.com/httpcore-go/httpcore/pkg/errors"
)

// ClientCert identifies a client certificate chain, either a single
// combined PEM (CertFile holds both cert and key, KeyFile empty) or a
// cert/key pair given as two separate paths.
type ClientCert struct {
	CertFile string
	KeyFile  string
}

func (c *ClientCert) equal(other *ClientCert) bool {
	if c == nil || other == nil {
		return c == other
	}
	return *c == *other
}

// VerifyMode selects how the peer certificate is validated.
type VerifyMode int

const (
	// VerifyBundled trusts a bundled/system root store and requires a peer cert.
	VerifyBundled VerifyMode = iota
	// VerifyDisabled performs no certificate validation.
	VerifyDisabled
	// VerifyCAPath trusts only the CA bundle at Path (a file or a directory).
	VerifyCAPath
)

// Verify captures the "verify" field of a TLSConfig: a boolean (bundled
// trust vs. disabled) or an explicit CA bundle path.
type Verify struct {
	Mode VerifyMode
	Path string // meaningful only when Mode == VerifyCAPath
}

// VerifyOption is verify expressed as a boolean: true uses the
// bundled/system trust roots, false disables verification entirely.
func VerifyOption(enabled bool) Verify {
	if enabled {
		return Verify{Mode: VerifyBundled}
	}
	return Verify{Mode: VerifyDisabled}
}

// VerifyCABundle is verify expressed as an explicit CA bundle file or
// directory path.
func VerifyCABundle(path string) Verify {
	return Verify{Mode: VerifyCAPath, Path: path}
}

// ClientCertOverride is an optional override argument to WithOverrides: a
// zero value means "leave the client cert unchanged"; set Change to
// actually replace it (Cert may be nil to clear it).
type ClientCertOverride struct {
	Change bool
	Cert   *ClientCert
}

// KeepClientCert returns a no-op client-cert override.
func KeepClientCert() ClientCertOverride { return ClientCertOverride{} }

// OverrideClientCert returns an override that replaces the client cert
// (nil clears it).
func OverrideClientCert(c *ClientCert) ClientCertOverride {
	return ClientCertOverride{Change: true, Cert: c}
}

// VerifyOverride is an optional override argument to WithOverrides, in the
// same shape as ClientCertOverride.
type VerifyOverride struct {
	Change bool
	Verify Verify
}

// KeepVerify returns a no-op verify override.
func KeepVerify() VerifyOverride { return VerifyOverride{} }

// OverrideVerify returns an override that replaces verify.
func OverrideVerify(v Verify) VerifyOverride {
	return VerifyOverride{Change: true, Verify: v}
}

// Config is the TLS parameter set a Connection uses to secure its stream.
// It memoises the compiled *tls.Config on first LoadContext call: building
// it reads CA material from disk, so callers on a cooperative scheduler
// should run LoadContext off the request's critical path (e.g. during
// connection setup, not per-send).
type Config struct {
	clientCert *ClientCert
	verify     Verify

	once   sync.Once
	ctx    *tls.Config
	ctxErr error
}

// New builds a Config. clientCert may be nil (no client certificate).
func New(clientCert *ClientCert, verify Verify) *Config {
	return &Config{clientCert: clientCert, verify: verify}
}

// Equal reports structural equality, ignoring any cached compiled context.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.clientCert.equal(other.clientCert) && c.verify == other.verify
}

// WithOverrides returns c unchanged (same pointer) if neither override
// actually changes a field; otherwise it returns a fresh Config with the
// merged values and its own, not-yet-built, compiled context. Preserving
// this identity shortcut matters: callers compare configs by reference to
// decide whether a cached TLS context can be reused.
func (c *Config) WithOverrides(cert ClientCertOverride, verify VerifyOverride) *Config {
	newCert := c.clientCert
	certChanged := false
	if cert.Change {
		if !c.clientCert.equal(cert.Cert) {
			certChanged = true
		}
		newCert = cert.Cert
	}

	newVerify := c.verify
	verifyChanged := false
	if verify.Change {
		if c.verify != verify.Verify {
			verifyChanged = true
		}
		newVerify = verify.Verify
	}

	if !certChanged && !verifyChanged {
		return c
	}
	return New(newCert, newVerify)
}

// LoadContext returns the compiled *tls.Config, building it on first call
// and memoising the result (and any build error) for subsequent calls.
// Concurrent callers observe the build happen at most once.
func (c *Config) LoadContext() (*tls.Config, error) {
	c.once.Do(func() {
		c.ctx, c.ctxErr = c.build()
	})
	return c.ctx, c.ctxErr
}

func (c *Config) build() (*tls.Config, error) {
	cfg := &tls.Config{
		NextProtos: []string{"h2", "http/1.1"},
	}
	ApplyVersionProfile(cfg, ProfileCompatible)
	ApplyCipherSuites(cfg, cfg.MinVersion)

	switch c.verify.Mode {
	case VerifyDisabled:
		cfg.InsecureSkipVerify = true

	case VerifyBundled:
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		cfg.RootCAs = pool

	case VerifyCAPath:
		pool, err := loadCABundle(c.verify.Path)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if c.clientCert != nil {
		keyFile := c.clientCert.KeyFile
		if keyFile == "" {
			keyFile = c.clientCert.CertFile
		}
		pair, err := tls.LoadX509KeyPair(c.clientCert.CertFile, keyFile)
		if err != nil {
			return nil, errors.NewIOError("loading client certificate", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	return cfg, nil
}

// loadCABundle loads a CA bundle from a single PEM file or every *.pem/*.crt
// file within a directory, failing with an I/O error if path is neither.
func loadCABundle(path string) (*x509.CertPool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewIOError("resolving CA bundle path "+path, err)
	}

	pool := x509.NewCertPool()
	if !info.IsDir() {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.NewIOError("reading CA bundle "+path, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.NewIOError("parsing CA bundle "+path, nil)
		}
		return pool, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.NewIOError("reading CA bundle directory "+path, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".pem" && ext != ".crt" {
			continue
		}
		pem, err := os.ReadFile(filepath.Join(path, e.Name()))
		if err != nil {
			return nil, errors.NewIOError("reading CA bundle entry "+e.Name(), err)
		}
		pool.AppendCertsFromPEM(pem)
	}
	return pool, nil
}
