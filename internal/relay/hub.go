package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/directory"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/protocol"
)

const DefaultMaxResidentActors = 1024

type HubOptions struct {
	// MaxResidentActors bounds how many users' actors are kept in memory.
	// The least recently used actor is evicted (hibernated) past this.
	MaxResidentActors int
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

// slot is the part of a user's relay that survives actor eviction: the open
// sockets and the lock that serializes all work for that user.
type slot struct {
	mu      sync.Mutex
	sockets map[Socket]struct{}
	dead    bool
}

// Hub hosts relay actors, one per user.
type Hub struct {
	deps actorDeps

	mu    sync.Mutex
	slots map[string]*slot

	actors *lru.Cache[string, *actor]
}

func NewHub(store directory.Store, opts HubOptions) (*Hub, error) {
	if store == nil {
		return nil, errors.New("relay: store is required")
	}
	if opts.MaxResidentActors <= 0 {
		opts.MaxResidentActors = DefaultMaxResidentActors
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &Hub{
		deps: actorDeps{
			store:   store,
			logger:  opts.Logger,
			metrics: opts.Metrics,
			now:     opts.Now,
		},
		slots: make(map[string]*slot),
	}
	cache, err := lru.New[string, *actor](opts.MaxResidentActors)
	if err != nil {
		return nil, fmt.Errorf("relay: actor cache: %w", err)
	}
	h.actors = cache
	return h, nil
}

// lock returns the user's slot locked. With create unset it returns nil when
// the user has no open sockets.
func (h *Hub) lock(userID string, create bool) *slot {
	for {
		h.mu.Lock()
		s, ok := h.slots[userID]
		if !ok {
			if !create {
				h.mu.Unlock()
				return nil
			}
			s = &slot{sockets: make(map[Socket]struct{})}
			h.slots[userID] = s
		}
		h.mu.Unlock()

		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
	}
}

// release drops the slot and the actor once the last socket is gone. Called
// with s.mu held.
func (h *Hub) release(userID string, s *slot) {
	if len(s.sockets) > 0 {
		return
	}
	s.dead = true
	h.mu.Lock()
	if h.slots[userID] == s {
		delete(h.slots, userID)
	}
	h.mu.Unlock()
	h.actors.Remove(userID)
	h.deps.metrics.SetResidentActors(h.actors.Len())
}

// resident returns the user's actor, cold-starting it if it was evicted.
// Called with s.mu held.
func (h *Hub) resident(ctx context.Context, userID string, s *slot) (*actor, error) {
	if a, ok := h.actors.Get(userID); ok {
		return a, nil
	}
	a, err := coldStart(ctx, userID, s.sockets, &h.deps)
	if err != nil {
		return nil, err
	}
	if evicted := h.actors.Add(userID, a); evicted {
		// Capacity eviction; the evicted user's sockets stay open.
		h.deps.metrics.Inc(metrics.ActorHibernated)
		h.deps.logger.Debug("relay actor evicted", "resident", h.actors.Len())
	}
	h.deps.metrics.SetResidentActors(h.actors.Len())
	return a, nil
}

// Accept adds sock to the user's relay and sends it the authenticated and
// agents-list greeting. On error the socket is not part of the relay and the
// caller should close it.
func (h *Hub) Accept(ctx context.Context, sock Socket, id Identity, role Role) error {
	if id.UserID == "" {
		return errors.New("relay: identity has no user id")
	}
	s := h.lock(id.UserID, true)
	defer s.mu.Unlock()

	s.sockets[sock] = struct{}{}
	a, err := h.resident(ctx, id.UserID, s)
	if err == nil {
		err = a.accept(sock, id, role)
	}
	if err != nil {
		delete(s.sockets, sock)
		h.release(id.UserID, s)
		return fmt.Errorf("relay: accept: %w", err)
	}
	h.deps.metrics.ConnectionOpened(string(role))
	return nil
}

// Receive handles one message from sock.
func (h *Hub) Receive(ctx context.Context, userID string, sock Socket, data []byte) {
	s := h.lock(userID, false)
	if s == nil {
		return
	}
	defer s.mu.Unlock()
	if _, ok := s.sockets[sock]; !ok {
		return
	}
	a, err := h.resident(ctx, userID, s)
	if err != nil {
		h.deps.logger.Error("relay actor unavailable", "user_id", userID, "err", err)
		if b, encErr := protocol.Encode(protocol.Error{
			Code:      protocol.CodeInternalError,
			Message:   "relay unavailable",
			RequestID: protocol.RequestID(data),
		}); encErr == nil {
			_ = sock.Send(b)
		}
		return
	}
	a.receive(ctx, sock, data)
}

// Disconnect removes a closed socket from the user's relay.
func (h *Hub) Disconnect(ctx context.Context, userID string, sock Socket, reason string) {
	s := h.lock(userID, false)
	if s == nil {
		return
	}
	defer s.mu.Unlock()
	if _, ok := s.sockets[sock]; !ok {
		return
	}
	role := ""
	if st, err := decodeState(sock.Attachment()); err == nil {
		role = string(st.Role)
	}
	a, err := h.resident(ctx, userID, s)
	if err != nil {
		h.deps.logger.Error("relay actor unavailable during disconnect", "user_id", userID, "err", err)
	} else {
		a.disconnect(ctx, sock, reason)
	}
	delete(s.sockets, sock)
	if role != "" {
		h.deps.metrics.ConnectionClosed(role)
	}
	h.release(userID, s)
}

// Error handles a transport failure on sock: the socket is closed with
// CloseInternalError and then removed as on a normal close.
func (h *Hub) Error(ctx context.Context, userID string, sock Socket, err error) {
	h.deps.metrics.Inc(metrics.ConnError)
	h.deps.logger.Debug("relay socket error", "user_id", userID, "err", err)
	sock.Close(CloseInternalError, "transport error")
	h.Disconnect(ctx, userID, sock, "transport error")
}

// Hibernate evicts the user's actor from memory. Its sockets stay open and
// the next activity rebuilds it.
func (h *Hub) Hibernate(userID string) {
	s := h.lock(userID, false)
	if s == nil {
		return
	}
	defer s.mu.Unlock()
	if h.actors.Remove(userID) {
		h.deps.metrics.Inc(metrics.ActorHibernated)
		h.deps.metrics.SetResidentActors(h.actors.Len())
	}
}

// Agents returns the user's current directory. A user with no open sockets
// has no agents.
func (h *Hub) Agents(ctx context.Context, userID string) ([]protocol.AgentInfo, error) {
	s := h.lock(userID, false)
	if s == nil {
		return []protocol.AgentInfo{}, nil
	}
	defer s.mu.Unlock()
	a, err := h.resident(ctx, userID, s)
	if err != nil {
		return nil, err
	}
	return a.dir.Snapshot(), nil
}

func (h *Hub) Resident() int { return h.actors.Len() }

// Shutdown closes every open socket. Disconnects arrive through the normal
// read-loop path.
func (h *Hub) Shutdown(code int, reason string) {
	h.mu.Lock()
	slots := make([]*slot, 0, len(h.slots))
	for _, s := range h.slots {
		slots = append(slots, s)
	}
	h.mu.Unlock()

	for _, s := range slots {
		s.mu.Lock()
		socks := make([]Socket, 0, len(s.sockets))
		for sock := range s.sockets {
			socks = append(socks, sock)
		}
		s.mu.Unlock()
		for _, sock := range socks {
			sock.Close(code, reason)
		}
	}
}
