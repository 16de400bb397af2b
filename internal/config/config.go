// SPDX-License-Identifier: GPL-3.0-or-later

// Package config holds the structured configuration assembled from CLI
// flags and passed by value to the connection broker.
package config

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// SSLVersion pins the single TLS version enabled on the outbound
// (upstream-facing) connection.
type SSLVersion string

// Supported outbound TLS version pins.
const (
	SSLVersionUnset  SSLVersion = ""
	SSLVersionTLS1_0 SSLVersion = "TLSv1"
	SSLVersionTLS1_1 SSLVersion = "TLSv1.1"
	SSLVersionTLS1_2 SSLVersion = "TLSv1.2"
)

// ConfigError reports an invalid CLI/TLS configuration. Returned by
// [ProxyConfig.Validate] it is fatal at startup; a certificate or cipher
// problem found later, when a connection worker builds its TLS config,
// surfaces wrapped in that worker's handshake error instead.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// ProxyConfig is the full set of knobs driving one proxy instance. It is
// assembled once from CLI flags and passed by value to the broker and,
// transitively, to every connection worker; nothing in it is mutated
// after [ProxyConfig.Validate] succeeds.
type ProxyConfig struct {
	// ListenHost/ListenPort is the address the broker binds to.
	ListenHost string
	ListenPort int

	// TargetHost/TargetPort is the upstream the broker dials for every
	// accepted inbound connection.
	TargetHost string
	TargetPort int

	// UseTLSClient enables TLS-as-server termination on the INBOUND
	// (listener-facing) side. The flag name is preserved verbatim from
	// the tool this proxy reimplements, even though it reads backwards.
	UseTLSClient bool

	// UseTLSServer enables TLS-as-client termination on the OUTBOUND
	// (upstream-facing) side. Same naming caveat as UseTLSClient.
	UseTLSServer bool

	// CertFile/KeyFile are the server certificate and key used when
	// UseTLSClient is set.
	CertFile string
	KeyFile  string

	// ClientCertFile/ClientKeyFile are the optional client certificate
	// and key used for mutual TLS when UseTLSServer is set.
	ClientCertFile string
	ClientKeyFile  string

	// Cipher is an OpenSSL-style colon-separated cipher suite name list
	// applied to the outbound TLS config. Empty means "use Go's default
	// suite selection".
	Cipher string

	// SSLVersion pins the single TLS version enabled on the outbound
	// side. Empty means "let crypto/tls pick".
	SSLVersion SSLVersion

	// NoVerify skips peer certificate verification on the outbound side.
	NoVerify bool

	// ModulesClientDir/ModulesServerDir hold the enabled-module plugin
	// directories, scanned in sorted filename order at startup.
	ModulesClientDir string
	ModulesServerDir string

	// LogDir is the root of the per-day, per-flow log tree.
	LogDir string
}

// Validate checks the flag combination and returns a *[ConfigError] for the
// first problem found. It does not touch the filesystem beyond what is
// needed to load certificates later; certificate loading failures surface
// from the caller that actually loads them (so the error carries the
// os-level cause).
func (c ProxyConfig) Validate() error {
	if c.TargetHost == "" {
		return &ConfigError{Reason: "target_host is required"}
	}
	if c.UseTLSClient && (c.CertFile == "" || c.KeyFile == "") {
		return &ConfigError{Reason: "use_tls_client requires both certfile and keyfile"}
	}
	if (c.ClientCertFile == "") != (c.ClientKeyFile == "") {
		return &ConfigError{Reason: "client_certfile and client_keyfile must be set together"}
	}
	switch c.SSLVersion {
	case SSLVersionUnset, SSLVersionTLS1_0, SSLVersionTLS1_1, SSLVersionTLS1_2:
	default:
		return &ConfigError{Reason: fmt.Sprintf("unsupported ssl_version %q", c.SSLVersion)}
	}
	return nil
}

// ServerTLSConfig builds the *[tls.Config] used to wrap the inbound
// (client-facing) connection as a TLS server. Call only when UseTLSClient
// is set and Validate has already succeeded.
func (c ProxyConfig) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("loading server cert/key: %v", err)}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ClientTLSConfig builds the *[tls.Config] used to wrap the outbound
// (upstream-facing) connection as a TLS client. Call only when
// UseTLSServer is set and Validate has already succeeded.
func (c ProxyConfig) ClientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         c.TargetHost,
		InsecureSkipVerify: c.NoVerify,
	}

	if c.ClientCertFile != "" && c.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
		if err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("loading client cert/key: %v", err)}
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if c.Cipher != "" {
		suites, err := parseCipherList(c.Cipher)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}

	if v, ok := pinnedVersion(c.SSLVersion); ok {
		cfg.MinVersion = v
		cfg.MaxVersion = v
	}

	return cfg, nil
}

// pinnedVersion resolves an [SSLVersion] to the single [tls] version
// constant that should be both the min and max negotiated version.
//
// The tool this proxy reimplements builds its outbound TLS version
// restriction as an OR-mask of "disable everything except the selected
// version" options; the net observable effect is that exactly one version
// remains enabled. Pinning MinVersion == MaxVersion reproduces that
// observable effect directly instead of replaying the confusing mask.
func pinnedVersion(v SSLVersion) (uint16, bool) {
	switch v {
	case SSLVersionTLS1_0:
		return tls.VersionTLS10, true
	case SSLVersionTLS1_1:
		return tls.VersionTLS11, true
	case SSLVersionTLS1_2:
		return tls.VersionTLS12, true
	default:
		return 0, false
	}
}

// cipherSuiteNames maps every cipher suite crypto/tls knows about (secure
// and insecure) to its name, built once at package init.
var cipherSuiteNames = func() map[string]uint16 {
	m := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		m[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		m[s.Name] = s.ID
	}
	return m
}()

// parseCipherList parses an OpenSSL-style colon-separated cipher suite
// name list into the corresponding crypto/tls suite IDs.
func parseCipherList(list string) ([]uint16, error) {
	var out []uint16
	for _, name := range strings.Split(list, ":") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := cipherSuiteNames[name]
		if !ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("unknown cipher suite %q", name)}
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, &ConfigError{Reason: "cipher list did not contain a recognized suite"}
	}
	return out, nil
}
