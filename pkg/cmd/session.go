package cmd

import (
	"fmt"
	"strings"

	backend "github.com/redis/go-redis/v9"

	"github.com/colloquy/colloquy/pkg/session"
	"github.com/colloquy/colloquy/pkg/session/memory"
	redisstore "github.com/colloquy/colloquy/pkg/session/redis"
)

// NewSessionStore selects the session backend from the URL scheme. memory://
// suits a single process; redis:// is required once more than one instance
// serves the same sessions.
func NewSessionStore(sessionURL string) (session.Store, error) {
	scheme, _, _ := strings.Cut(sessionURL, "://")

	switch scheme {
	case "", "memory":
		return memory.NewStore(), nil
	case "redis", "rediss":
		opts, err := backend.ParseURL(sessionURL)
		if err != nil {
			return nil, fmt.Errorf("invalid session url: %w", err)
		}

		return redisstore.NewFromClient(backend.NewClient(opts)), nil
	default:
		return nil, fmt.Errorf("unsupported session scheme %q", scheme)
	}
}
