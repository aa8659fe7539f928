package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lalithlochan/herald/internal/db"
)

// memStore is an in-memory persistence collaborator satisfying every
// repository interface the package declares.
type memStore struct {
	mu sync.Mutex

	prefs      map[string]*db.Preferences
	tokens     map[string]*db.DeviceToken
	deliveries map[string]*db.DeliveryRecord
	delivered  map[string]int
	countCalls int

	prefsErr     error
	listTokenErr map[string]error
	upsertErr    error
}

func newMemStore() *memStore {
	return &memStore{
		prefs:        make(map[string]*db.Preferences),
		tokens:       make(map[string]*db.DeviceToken),
		deliveries:   make(map[string]*db.DeliveryRecord),
		delivered:    make(map[string]int),
		listTokenErr: make(map[string]error),
	}
}

func deliveryKey(aid, uid string) string { return aid + "/" + uid }

func (s *memStore) GetPreferences(_ context.Context, userID string) (*db.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefsErr != nil {
		return nil, s.prefsErr
	}
	p, ok := s.prefs[userID]
	if !ok {
		return nil, fmt.Errorf("preferences %s: %w", userID, db.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) UpsertPreferences(_ context.Context, p *db.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.prefs[p.UserID] = &cp
	return nil
}

func (s *memStore) UpsertToken(_ context.Context, t *db.DeviceToken) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tokens[t.Token]; ok {
		// Matches ON CONFLICT: user_id and device_type are kept, and the
		// stored row is returned to the caller.
		existing.IsActive = true
		existing.LastUsed = t.LastUsed
		existing.DeviceInfo = t.DeviceInfo
		*t = *existing
		return false, nil
	}
	cp := *t
	s.tokens[t.Token] = &cp
	return true, nil
}

func (s *memStore) ListActiveTokens(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.listTokenErr[userID]; err != nil {
		return nil, err
	}
	var out []string
	for _, t := range s.tokens {
		if t.UserID == userID && t.IsActive {
			out = append(out, t.Token)
		}
	}
	return out, nil
}

func (s *memStore) DeactivateTokens(_ context.Context, tokens []string, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tok := range tokens {
		if t, ok := s.tokens[tok]; ok {
			t.IsActive = false
			n++
		}
	}
	return n, nil
}

func (s *memStore) UpsertDelivery(_ context.Context, d *db.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	cp := *d
	s.deliveries[deliveryKey(d.AnnouncementID, d.UserID)] = &cp
	return nil
}

func (s *memStore) GetDelivery(_ context.Context, aid, uid string) (*db.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryKey(aid, uid)]
	if !ok {
		return nil, fmt.Errorf("delivery: %w", db.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (s *memStore) ListDeliveriesByUser(_ context.Context, userID string, limit, offset int) ([]*db.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.DeliveryRecord
	for _, d := range s.deliveries {
		if d.UserID == userID {
			cp := *d
			out = append(out, &cp)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) UpdateDeliveredCount(_ context.Context, id string, count int, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countCalls++
	s.delivered[id] = count
	return nil
}

func (s *memStore) delivery(aid, uid string) *db.DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveries[deliveryKey(aid, uid)]
}

func (s *memStore) addToken(userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = &db.DeviceToken{Token: token, UserID: userID, IsActive: true}
}

func (s *memStore) isActive(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	return ok && t.IsActive
}

// fakeMessenger records multicast calls. reject marks tokens the provider
// refuses; err fails whole calls.
type fakeMessenger struct {
	mu     sync.Mutex
	calls  [][]string
	at     []time.Time
	clock  func() time.Time
	reject map[string]bool
	err    error
}

func (m *fakeMessenger) SendMulticast(_ context.Context, tokens []string, _ PushMessage) ([]SendResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]string(nil), tokens...))
	if m.clock != nil {
		m.at = append(m.at, m.clock())
	}
	if m.err != nil {
		return nil, m.err
	}
	out := make([]SendResponse, len(tokens))
	for i, t := range tokens {
		if m.reject[t] {
			out[i] = SendResponse{Error: errors.New("registration-token-not-registered")}
			continue
		}
		out[i] = SendResponse{Success: true}
	}
	return out, nil
}

func (m *fakeMessenger) callSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, len(m.calls))
	for i, c := range m.calls {
		sizes[i] = len(c)
	}
	return sizes
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []EmailMessage
	fail map[string]error
}

func (m *fakeMailer) SendEmail(_ context.Context, msg EmailMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[msg.To]; err != nil {
		return err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fakeSMS struct {
	mu   sync.Mutex
	sent map[string]string
}

func (f *fakeSMS) SendSMS(_ context.Context, phone, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string]string)
	}
	f.sent[phone] = message
	return nil
}

// fakeClock advances only when sleep is called.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
}
