// Package security provides the pipeline's secret management, transport
// security, and tenant data isolation: a Vault client for collector and
// downstream-bus credentials, mTLS transport/listener construction for
// service-to-service traffic, per-organization envelope encryption of
// payloads, and data residency enforcement for retention tier routing.
// The disk buffer writes its records unencrypted; nothing in this module
// calls the mTLS constructors or the payload encryptor.
package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// ─── Vault Integration ───────────────────────────────────────

type VaultConfig struct {
	Enabled    bool          `json:"enabled"`
	Address    string        `json:"address"` // e.g., "https://vault.internal:8200"
	Token      string        `json:"-"`       // Never log
	MountPath  string        `json:"mount_path"` // e.g., "secret"
	Namespace  string        `json:"namespace"`
	RenewTTL   time.Duration `json:"renew_ttl"`
	MaxRetries int           `json:"max_retries"`
}

type VaultClient struct {
	config VaultConfig
	client *http.Client
	mu     sync.RWMutex
	cache  map[string]*cachedSecret
}

type cachedSecret struct {
	Value     map[string]string
	ExpiresAt time.Time
}

func NewVaultClient(config VaultConfig) *VaultClient {
	if config.MountPath == "" {
		config.MountPath = "secret"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RenewTTL == 0 {
		config.RenewTTL = 5 * time.Minute
	}

	return &VaultClient{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  make(map[string]*cachedSecret),
	}
}

// GetCollectorCredential retrieves a named credential for a collector
// adapter (cloud API key, syslog TLS passphrase, HEC token) from Vault,
// falling back to an environment variable when Vault is disabled so a
// single-node deployment never needs a Vault sidecar.
func (v *VaultClient) GetCollectorCredential(ctx context.Context, collector, field string) (string, error) {
	if !v.config.Enabled {
		envKey := fmt.Sprintf("%s_%s", strings.ToUpper(collector), strings.ToUpper(field))
		if val := os.Getenv(envKey); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("vault disabled and no env var %s", envKey)
	}

	path := fmt.Sprintf("collectors/%s", collector)

	v.mu.RLock()
	if cached, ok := v.cache[path]; ok && time.Now().Before(cached.ExpiresAt) {
		v.mu.RUnlock()
		if val, ok := cached.Value[field]; ok {
			return val, nil
		}
	} else {
		v.mu.RUnlock()
	}

	secret, err := v.readSecret(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read collector credential: %w", err)
	}

	val, ok := secret[field]
	if !ok {
		return "", fmt.Errorf("no %s field in vault path %s", field, path)
	}

	v.mu.Lock()
	v.cache[path] = &cachedSecret{
		Value:     secret,
		ExpiresAt: time.Now().Add(v.config.RenewTTL),
	}
	v.mu.Unlock()

	return val, nil
}

// WriteCollectorCredential stores a field for a collector's credential set.
func (v *VaultClient) WriteCollectorCredential(ctx context.Context, collector string, fields map[string]string) error {
	path := fmt.Sprintf("collectors/%s", collector)
	return v.writeSecret(ctx, path, fields)
}

// RotateCollectorCredential replaces a field and invalidates the cache entry.
func (v *VaultClient) RotateCollectorCredential(ctx context.Context, collector string, fields map[string]string) error {
	if err := v.WriteCollectorCredential(ctx, collector, fields); err != nil {
		return fmt.Errorf("rotate credential: %w", err)
	}

	v.mu.Lock()
	delete(v.cache, fmt.Sprintf("collectors/%s", collector))
	v.mu.Unlock()

	return nil
}

// ListCollectors returns all collectors with stored credentials.
func (v *VaultClient) ListCollectors(ctx context.Context) ([]string, error) {
	if !v.config.Enabled {
		return nil, fmt.Errorf("vault not enabled")
	}

	url := fmt.Sprintf("%s/v1/%s/metadata/collectors?list=true", v.config.Address, v.config.MountPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vault-Token", v.config.Token)
	if v.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", v.config.Namespace)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault list: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Data struct {
			Keys []string `json:"keys"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode vault list: %w", err)
	}
	return result.Data.Keys, nil
}

func (v *VaultClient) readSecret(ctx context.Context, path string) (map[string]string, error) {
	url := fmt.Sprintf("%s/v1/%s/data/%s", v.config.Address, v.config.MountPath, path)

	var lastErr error
	for attempt := 0; attempt <= v.config.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Vault-Token", v.config.Token)
		if v.config.Namespace != "" {
			req.Header.Set("X-Vault-Namespace", v.config.Namespace)
		}

		resp, err := v.client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
			continue
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("secret not found: %s", path)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("vault error (%d): %s", resp.StatusCode, string(body))
		}

		var result struct {
			Data struct {
				Data map[string]string `json:"data"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decode secret: %w", err)
		}
		return result.Data.Data, nil
	}

	return nil, fmt.Errorf("vault read failed after %d retries: %w", v.config.MaxRetries, lastErr)
}

func (v *VaultClient) writeSecret(ctx context.Context, path string, data map[string]string) error {
	url := fmt.Sprintf("%s/v1/%s/data/%s", v.config.Address, v.config.MountPath, path)

	payload := map[string]interface{}{
		"data": data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("X-Vault-Token", v.config.Token)
	req.Header.Set("Content-Type", "application/json")
	if v.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", v.config.Namespace)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("vault write: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vault write error (%d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// InvalidateCache clears all cached secrets.
func (v *VaultClient) InvalidateCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[string]*cachedSecret)
}

// ─── mTLS Between Internal Services ─────────────────────────

type MTLSConfig struct {
	Enabled    bool   `json:"enabled"`
	CertFile   string `json:"cert_file"`
	KeyFile    string `json:"key_file"`
	CAFile     string `json:"ca_file"`
	ServerName string `json:"server_name"`
}

// NewMTLSTransport creates an HTTP transport with mutual TLS for calls
// to an internal-only endpoint. The Splunk/Datadog forwarders and the
// HTTP bridge collector do not use it.
func NewMTLSTransport(config MTLSConfig) (*http.Transport, error) {
	if !config.Enabled {
		return http.DefaultTransport.(*http.Transport).Clone(), nil
	}

	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}

	caCert, err := os.ReadFile(config.CAFile)
	if err != nil {
		return nil, fmt.Errorf("load CA cert: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA cert")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS13,
	}
	if config.ServerName != "" {
		tlsConfig.ServerName = config.ServerName
	}

	return &http.Transport{
		TLSClientConfig: tlsConfig,
	}, nil
}

// NewMTLSTLSConfig creates a listener TLS config that requires client
// certificate verification. The collector listeners do not use it.
func NewMTLSTLSConfig(config MTLSConfig) (*tls.Config, error) {
	if !config.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert: %w", err)
	}

	caCert, err := os.ReadFile(config.CAFile)
	if err != nil {
		return nil, fmt.Errorf("load CA cert: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA cert")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caCertPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ─── Per-Organization Envelope Encryption ───────────────────

// PayloadEncryptionConfig configures a PayloadEncryptor; Enabled gates
// only whether NewPayloadEncryptor loads MasterKey.
type PayloadEncryptionConfig struct {
	Enabled   bool   `json:"enabled"`
	MasterKey string `json:"-"` // base64-encoded 256-bit key
	KeySource string `json:"key_source"` // "env", "vault", "kms"
}

// PayloadEncryptor seals event payloads with AES-GCM under a
// per-organization DEK, so one tenant's sealed data is not readable
// using another tenant's key. The disk buffer does not call it.
type PayloadEncryptor struct {
	config    PayloadEncryptionConfig
	masterKey []byte
	mu        sync.RWMutex
	dekCache  map[string][]byte // organization_id -> DEK
}

func NewPayloadEncryptor(config PayloadEncryptionConfig) (*PayloadEncryptor, error) {
	e := &PayloadEncryptor{
		config:   config,
		dekCache: make(map[string][]byte),
	}

	if config.Enabled && config.MasterKey != "" {
		key, err := base64.StdEncoding.DecodeString(config.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("decode master key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("master key must be 256 bits (32 bytes), got %d", len(key))
		}
		e.masterKey = key
	}

	return e, nil
}

// GenerateDEK creates a new data encryption key for an organization,
// encrypted with the master key.
func (e *PayloadEncryptor) GenerateDEK(orgID string) (encryptedDEK string, err error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return "", fmt.Errorf("generate DEK: %w", err)
	}

	block, err := aes.NewCipher(e.masterKey)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	encDEK := gcm.Seal(nonce, nonce, dek, []byte(orgID))

	e.mu.Lock()
	e.dekCache[orgID] = dek
	e.mu.Unlock()

	return base64.StdEncoding.EncodeToString(encDEK), nil
}

// EncryptForSpill encrypts a raw event payload using the organization's DEK.
func (e *PayloadEncryptor) EncryptForSpill(orgID string, plaintext []byte) (string, error) {
	dek, err := e.getDEK(orgID)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptFromSpill reverses EncryptForSpill when a spilled record is
// read back off disk during recovery.
func (e *PayloadEncryptor) DecryptFromSpill(orgID string, ciphertextB64 string) ([]byte, error) {
	dek, err := e.getDEK(orgID)
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (e *PayloadEncryptor) getDEK(orgID string) ([]byte, error) {
	e.mu.RLock()
	dek, ok := e.dekCache[orgID]
	e.mu.RUnlock()

	if ok {
		return dek, nil
	}

	return nil, fmt.Errorf("DEK not found for organization %s: call GenerateDEK or LoadDEK first", orgID)
}

// LoadDEK decrypts and caches an organization's DEK from its encrypted form.
func (e *PayloadEncryptor) LoadDEK(orgID, encryptedDEKB64 string) error {
	encDEK, err := base64.StdEncoding.DecodeString(encryptedDEKB64)
	if err != nil {
		return fmt.Errorf("decode encrypted DEK: %w", err)
	}

	block, err := aes.NewCipher(e.masterKey)
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(encDEK) < nonceSize {
		return fmt.Errorf("encrypted DEK too short")
	}

	nonce, ciphertext := encDEK[:nonceSize], encDEK[nonceSize:]
	dek, err := gcm.Open(nil, nonce, ciphertext, []byte(orgID))
	if err != nil {
		return fmt.Errorf("decrypt DEK: %w", err)
	}

	e.mu.Lock()
	e.dekCache[orgID] = dek
	e.mu.Unlock()

	return nil
}

// ─── Data Residency Enforcement ─────────────────────────────

// ResidencyConfig binds organizations to a home region and retention
// tiers to the regions they're allowed to store data in: the runtime
// enforcement layer behind the policy engine's geo_retention template.
type ResidencyConfig struct {
	OrgRegions    map[string]string   `json:"org_regions"`    // org_id -> region
	TierRegions   map[string][]string `json:"tier_regions"`   // retention tier -> allowed regions
}

type ResidencyEnforcer struct {
	mu     sync.RWMutex
	config ResidencyConfig
}

func NewResidencyEnforcer(config ResidencyConfig) *ResidencyEnforcer {
	return &ResidencyEnforcer{config: config}
}

// IsAllowed checks whether a retention tier may store an organization's events.
func (r *ResidencyEnforcer) IsAllowed(orgID, tier string) (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	orgRegion, ok := r.config.OrgRegions[orgID]
	if !ok {
		return true, "" // No restriction configured for this org.
	}

	tierRegions, ok := r.config.TierRegions[tier]
	if !ok {
		return false, fmt.Sprintf("retention tier %s has no region config", tier)
	}

	for _, region := range tierRegions {
		if region == orgRegion || region == "global" {
			return true, ""
		}
	}

	return false, fmt.Sprintf("retention tier %s not available in organization region %s", tier, orgRegion)
}

// FilterTiers returns only the retention tiers allowed for an organization's region.
func (r *ResidencyEnforcer) FilterTiers(orgID string, tiers []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	orgRegion, ok := r.config.OrgRegions[orgID]
	if !ok {
		return tiers
	}

	var allowed []string
	for _, t := range tiers {
		regions := r.config.TierRegions[t]
		for _, region := range regions {
			if region == orgRegion || region == "global" {
				allowed = append(allowed, t)
				break
			}
		}
	}
	return allowed
}

func (r *ResidencyEnforcer) SetOrgRegion(orgID, region string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.OrgRegions[orgID] = region
}
