package ssh

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gossh "golang.org/x/crypto/ssh"
)

// AuthConfig holds SSH authentication configuration.
type AuthConfig struct {
	Password       string // Password for password authentication
	AuthorizedKeys string // Path to authorized_keys file
}

// PasswordCallback returns a gossh.ServerConfig.PasswordCallback that
// validates against the configured password using constant-time
// comparison, or nil if no password is configured.
func PasswordCallback(password string) func(gossh.ConnMetadata, []byte) (*gossh.Permissions, error) {
	if password == "" {
		return nil
	}
	return func(_ gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
		if subtle.ConstantTimeCompare(pass, []byte(password)) == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("ssh: incorrect password")
	}
}

// PublicKeyCallback returns a gossh.ServerConfig.PublicKeyCallback that
// validates against an authorized_keys file or directory, or nil if none
// is configured or none could be loaded.
func PublicKeyCallback(authorizedKeysPath string) func(gossh.ConnMetadata, gossh.PublicKey) (*gossh.Permissions, error) {
	if authorizedKeysPath == "" {
		return nil
	}

	authorizedKeys, err := loadAuthorizedKeys(authorizedKeysPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to load authorized keys from %s: %v\n", authorizedKeysPath, err)
		return nil
	}
	if len(authorizedKeys) == 0 {
		fmt.Fprintf(os.Stderr, "Warning: No authorized keys found in %s\n", authorizedKeysPath)
		return nil
	}

	return func(_ gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
		marshaled := key.Marshal()
		for _, authorized := range authorizedKeys {
			if subtle.ConstantTimeCompare(authorized.Marshal(), marshaled) == 1 {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("ssh: unauthorized public key")
	}
}

// loadAuthorizedKeys loads public keys from an authorized_keys file or directory.
func loadAuthorizedKeys(path string) ([]gossh.PublicKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return loadAuthorizedKeysFromDir(path)
	}
	return loadAuthorizedKeysFromFile(path)
}

// loadAuthorizedKeysFromFile loads public keys from a single authorized_keys file.
func loadAuthorizedKeysFromFile(path string) ([]gossh.PublicKey, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var keys []gossh.PublicKey
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _, _, err := gossh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue // skip invalid lines
		}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// loadAuthorizedKeysFromDir loads public keys from all files in a directory.
func loadAuthorizedKeysFromDir(dir string) ([]gossh.PublicKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var keys []gossh.PublicKey
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		fileKeys, err := loadAuthorizedKeysFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue // skip files that can't be read
		}
		keys = append(keys, fileKeys...)
	}
	return keys, nil
}

// GetOrCreateHostKey returns the host key signer, creating one if it
// doesn't exist. The key is stored at ~/.adslink/host_key.
func GetOrCreateHostKey() (gossh.Signer, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".adslink")
	keyPath := filepath.Join(dir, "host_key")

	if _, err := os.Stat(keyPath); err == nil {
		return loadHostKey(keyPath)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return generateHostKey(keyPath)
}

func loadHostKey(path string) (gossh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}
	signer, err := gossh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host key: %w", err)
	}
	return signer, nil
}

func generateHostKey(path string) (gossh.Signer, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	pemBlock, err := gossh.MarshalPrivateKey(privateKey, "")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	pemData := pem.EncodeToMemory(pemBlock)

	if err := os.WriteFile(path, pemData, 0600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}

	signer, err := gossh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return signer, nil
}
