// Package auth authenticates CONNECT packets against a flat username/salted-
// password-hash file, in the style of the Mosquitto-like password file this
// broker's Python predecessor used.
package auth

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Authenticator decides whether a CONNECT's credentials are acceptable.
// Username and password are whatever the client sent; an empty username
// means the client sent no credentials at all.
type Authenticator interface {
	Authenticate(username string, password []byte) bool
}

// AllowAll accepts every connection, including anonymous ones. It is the
// broker's default authenticator, and mqttbrokerd uses it when started
// without -auth.
type AllowAll struct{}

func (AllowAll) Authenticate(string, []byte) bool { return true }

var ErrNoSuchUser = errors.New("auth: no such user")

// processSalt is generated once per process, the same way the Python
// predecessor's Auth.__init__ calls os.urandom(16) once per instance and
// applies it uniformly to every user's digest - there is no per-user salt.
var (
	processSaltOnce sync.Once
	processSalt     string
)

func salt() string {
	processSaltOnce.Do(func() {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("auth: reading random salt: %v", err))
		}
		processSalt = hex.EncodeToString(buf)
	})
	return processSalt
}

// FileAuthenticator validates credentials against an in-memory table of
// username -> hex(sha256(password + processSalt)) loaded once at startup
// from a passwd file. A server restart is required to pick up file edits;
// this mirrors a typical production password file workflow more closely
// than re-reading the file on every CONNECT would.
type FileAuthenticator struct {
	mu    sync.RWMutex
	users map[string]string // username -> hex digest
}

// LoadFile reads a passwd file of "username:digest" lines (colon
// separated, one user per line) and returns a ready-to-use authenticator.
// A username listed more than once keeps its first entry.
func LoadFile(path string) (*FileAuthenticator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("auth: opening passwd file: %w", err)
	}
	defer f.Close()

	a := &FileAuthenticator{users: make(map[string]string)}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("auth: malformed passwd line %q", line)
		}
		if _, dup := a.users[parts[0]]; !dup {
			a.users[parts[0]] = parts[1]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("auth: reading passwd file: %w", err)
	}

	return a, nil
}

// Authenticate reports whether username/password match a loaded record.
// Comparison of the digest is constant-time to avoid leaking match length
// through timing.
func (a *FileAuthenticator) Authenticate(username string, password []byte) bool {
	if username == "" {
		return false
	}

	a.mu.RLock()
	digest, ok := a.users[username]
	a.mu.RUnlock()
	if !ok {
		return false
	}

	computed := hashPassword(password, salt())
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}

func hashPassword(password []byte, saltHex string) string {
	sum := sha256.Sum256(append(password, []byte(saltHex)...))
	return hex.EncodeToString(sum[:])
}

// WriteUsers writes a passwd file for the given username -> plaintext
// password map, using the process's single salt for every entry. It is a
// bootstrap helper for operators setting up or rotating credentials, not
// something the broker calls at runtime.
func WriteUsers(path string, users map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("auth: creating passwd file: %w", err)
	}
	defer f.Close()

	s := salt()
	w := bufio.NewWriter(f)
	for username, password := range users {
		digest := hashPassword([]byte(password), s)
		if _, err := fmt.Fprintf(w, "%s:%s\n", username, digest); err != nil {
			return err
		}
	}
	return w.Flush()
}
