package producer

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-captions/internal/fanout"
)

// LoadOrCreateSessionID returns the session token stored at path, creating
// and persisting a new one when the file is missing or empty.
func LoadOrCreateSessionID(path string) (string, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("read session file: %w", err)
	}
	id := uuid.NewString()
	if err := fanout.WriteFileAtomic(path, []byte(id+"\n")); err != nil {
		return "", fmt.Errorf("persist session id: %w", err)
	}
	return id, nil
}
