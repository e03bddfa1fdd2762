package signals

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu        sync.RWMutex
	profiles  map[string]*UserProfile
	devices   map[string][]DeviceFingerprint // userID → devices in first-seen order
	locations map[string][]LocationSample
	behavior  map[string][]BehaviorSample
	incidents map[string][]Incident
}

// NewMemoryStore creates an in-memory signal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:  make(map[string]*UserProfile),
		devices:   make(map[string][]DeviceFingerprint),
		locations: make(map[string][]LocationSample),
		behavior:  make(map[string][]BehaviorSample),
		incidents: make(map[string][]Incident),
	}
}

func (s *MemoryStore) CreateProfile(ctx context.Context, p *UserProfile) error {
	if p.ID == "" {
		return ErrInvalidUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrUserExists, p.ID)
	}
	cp := *p
	if cp.Role == "" {
		cp.Role = RoleUser
	}
	s.profiles[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProfile(ctx context.Context, userID string) (*UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) MarkVerified(ctx context.Context, userID string, channel Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return ErrUserNotFound
	}
	switch channel {
	case ChannelEmail:
		p.EmailVerified = true
	case ChannelPhone:
		p.PhoneVerified = true
	default:
		return fmt.Errorf("unknown verification channel %q", channel)
	}
	return nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return ErrUserNotFound
	}
	if p.DeactivatedAt == nil {
		t := at
		p.DeactivatedAt = &t
	}
	return nil
}

func (s *MemoryStore) Devices(ctx context.Context, userID string) ([]DeviceFingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devs := s.devices[userID]
	out := make([]DeviceFingerprint, len(devs))
	copy(out, devs)
	return out, nil
}

func (s *MemoryStore) TouchDevice(ctx context.Context, userID, hash string, at time.Time) error {
	if userID == "" || hash == "" {
		return ErrInvalidUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	devs := s.devices[userID]
	for i := range devs {
		if devs[i].Hash == hash {
			devs[i].SeenCount++
			if at.After(devs[i].LastSeen) {
				devs[i].LastSeen = at
			}
			if at.Before(devs[i].FirstSeen) {
				devs[i].FirstSeen = at
			}
			return nil
		}
	}
	s.devices[userID] = append(devs, DeviceFingerprint{
		UserID:    userID,
		Hash:      hash,
		FirstSeen: at,
		LastSeen:  at,
		SeenCount: 1,
	})
	return nil
}

func (s *MemoryStore) Locations(ctx context.Context, userID string, since time.Time) ([]LocationSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []LocationSample
	for _, l := range s.locations[userID] {
		if !l.At.Before(since) {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (s *MemoryStore) AppendLocation(ctx context.Context, l *LocationSample) error {
	if l.UserID == "" {
		return ErrInvalidUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *l
	if l.Coords != nil {
		c := *l.Coords
		cp.Coords = &c
	}
	s.locations[l.UserID] = trimLocations(append(s.locations[l.UserID], cp))
	return nil
}

// Behavior returns up to limit samples, newest first.
func (s *MemoryStore) Behavior(ctx context.Context, userID string, limit int) ([]BehaviorSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]BehaviorSample, len(s.behavior[userID]))
	copy(all, s.behavior[userID])
	sort.SliceStable(all, func(i, j int) bool { return all[i].At.After(all[j].At) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) AppendBehavior(ctx context.Context, b *BehaviorSample) error {
	if b.UserID == "" {
		return ErrInvalidUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.behavior[b.UserID] = trimBehavior(append(s.behavior[b.UserID], *b))
	return nil
}

// trimLocations keeps samples within LocationRetention of the newest one,
// at most MaxLocations of them, in time order.
func trimLocations(ls []LocationSample) []LocationSample {
	sort.SliceStable(ls, func(i, j int) bool { return ls[i].At.Before(ls[j].At) })
	cutoff := ls[len(ls)-1].At.Add(-LocationRetention)
	i := sort.Search(len(ls), func(i int) bool { return !ls[i].At.Before(cutoff) })
	if extra := len(ls) - i - MaxLocations; extra > 0 {
		i += extra
	}
	if i == 0 {
		return ls
	}
	return append(ls[:0], ls[i:]...)
}

// trimBehavior keeps the newest BehaviorHistory samples.
func trimBehavior(bs []BehaviorSample) []BehaviorSample {
	if len(bs) <= BehaviorHistory {
		return bs
	}
	sort.SliceStable(bs, func(i, j int) bool { return bs[i].At.Before(bs[j].At) })
	return append(bs[:0], bs[len(bs)-BehaviorHistory:]...)
}

func (s *MemoryStore) RecordIncident(ctx context.Context, inc *Incident) error {
	if inc.UserID == "" {
		return ErrInvalidUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.incidents[inc.UserID] = append(s.incidents[inc.UserID], *inc)
	return nil
}

func (s *MemoryStore) OpenIncidents(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, inc := range s.incidents[userID] {
		if !inc.Resolved {
			n++
		}
	}
	return n, nil
}
