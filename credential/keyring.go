package credential

import (
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "imap-xlsx-ingest"

func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/imap-xlsx-ingest/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("imap-xlsx-ingest-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Key returns the keyring item name holding the password of user.
func Key(user string) string {
	return "imap:" + strings.ToLower(strings.TrimSpace(user))
}

// Password retrieves the mailbox password of user from the system keyring.
func Password(user string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(Key(user))
	if err != nil {
		return "", fmt.Errorf("getting credential for %q: %w", user, err)
	}
	if len(item.Data) == 0 {
		return "", fmt.Errorf("credential for %q is empty", user)
	}
	return string(item.Data), nil
}
