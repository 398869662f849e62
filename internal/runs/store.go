package runs

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewStore picks a backend from databaseURL: empty is in-memory, postgres:// and
// postgresql:// use pgx, sqlite:// or a *.db path use SQLite.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasSuffix(url, ".db"), url == ":memory:":
		return NewSQLiteStore(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme: %q", url)
	}
}

// Mode names the backend behind a store, for health output.
func Mode(s Store) string {
	switch s.(type) {
	case *InMemoryStore:
		return "in-memory"
	case *PostgresStore:
		return "postgres"
	case *SQLiteStore:
		return "sqlite"
	case nil:
		return "disabled"
	default:
		return "custom"
	}
}

// turnIDs hands out lexically sortable turn ids.
type turnIDs struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newTurnIDs() *turnIDs {
	return &turnIDs{entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)}
}

func (g *turnIDs) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

func validateTurn(t Turn) error {
	if strings.TrimSpace(t.RunID) == "" {
		return fmt.Errorf("turn run_id is required")
	}
	if t.Index < 1 {
		return fmt.Errorf("turn index must be >= 1, got %d", t.Index)
	}
	if t.Speaker != SpeakerSyntheticUser && t.Speaker != SpeakerResponder {
		return fmt.Errorf("invalid speaker %q", t.Speaker)
	}
	return nil
}
