// Package session issues publish session ids and keeps the binding from a
// session id to the event that owns it.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

var ErrUnknownSession = errors.New("unknown publish session")

const prefix = "publish-"

var idPattern = regexp.MustCompile(`^publish-[0-9]{1,19}-[0-9a-f]{12}$`)

// Valid reports whether id has the publish-<unixMillis>-<suffix> shape.
func Valid(id string) bool { return idPattern.MatchString(id) }

// Registry stores bindings in the result store and caches recent ones.
// The event id is always read from the binding, never from the id string.
type Registry struct {
	store    storage.Store
	log      logx.Logger
	maxCache int

	mu    sync.RWMutex
	cache map[string]string
}

func New(store storage.Store, log logx.Logger) *Registry {
	return &Registry{store: store, log: log, maxCache: 4096, cache: map[string]string{}}
}

// NewID returns a collision-resistant id that sorts by creation time.
func (r *Registry) NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s%d-%s", prefix, now.UnixMilli(), suffix)
}

func (r *Registry) Bind(ctx context.Context, sessionID, eventID string) error {
	if err := r.store.PutBinding(ctx, storage.Binding{SessionID: sessionID, EventID: eventID, CreatedAt: time.Now()}); err != nil {
		return err
	}
	r.remember(sessionID, eventID)
	return nil
}

// EventOf resolves the event that owns sessionID.
func (r *Registry) EventOf(ctx context.Context, sessionID string) (string, error) {
	r.mu.RLock()
	eventID, ok := r.cache[sessionID]
	r.mu.RUnlock()
	if ok {
		return eventID, nil
	}

	b, err := r.store.GetBinding(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrUnknownSession
	}
	if err != nil {
		return "", err
	}
	r.remember(sessionID, b.EventID)
	return b.EventID, nil
}

func (r *Registry) remember(sessionID, eventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cache) >= r.maxCache {
		// Bindings stay in the store; start a fresh cache.
		r.log.Debug("session cache reset", logx.Int("size", len(r.cache)))
		r.cache = make(map[string]string, r.maxCache/4)
	}
	r.cache[sessionID] = eventID
}
