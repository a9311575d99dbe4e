package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves the node keystore passphrase once and caches it. The
// environment variable wins when set; otherwise the operator is prompted on
// the terminal, so a daemon started by hand never needs the secret in its
// environment or shell history.
type Source struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewSource returns a source that checks envVar before prompting.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar)}
}

// Get returns the passphrase, resolving it on the first call. Whitespace-only
// values are rejected in both paths: an unlocked keystore behind an empty
// passphrase is worse than a startup failure.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("node keystore passphrase required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("node keystore passphrase required and no terminal available")
			}
			return
		}

		fmt.Fprint(os.Stderr, "Enter node keystore passphrase: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read passphrase: %w", err)
			return
		}

		value := string(raw)
		if strings.TrimSpace(value) == "" {
			s.err = errors.New("node keystore passphrase cannot be empty")
			return
		}

		s.value = value
	})

	return s.value, s.err
}
