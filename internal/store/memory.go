package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "stock-alerter/internal/errors"
	"stock-alerter/internal/models"
	"stock-alerter/pkg/utils"
)

// MemoryStore is an in-process DataStore. Passes hold a per-instrument lock
// and stage their writes until Commit.
type MemoryStore struct {
	mu           sync.RWMutex
	passLocks    *utils.KeyedMutex
	instruments  map[string]models.Instrument
	users        map[string]models.User
	alerts       map[string]models.Alert
	observations map[string][]models.Observation
	triggers     []models.Trigger
	nextObsID    int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		passLocks:    utils.NewKeyedMutex(),
		instruments:  make(map[string]models.Instrument),
		users:        make(map[string]models.User),
		alerts:       make(map[string]models.Alert),
		observations: make(map[string][]models.Observation),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// BeginPass blocks until no other pass holds instrumentID.
func (m *MemoryStore) BeginPass(ctx context.Context, instrumentID string) (AlertPass, error) {
	unlock, err := m.passLocks.Lock(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	return &memoryPass{store: m, instrumentID: instrumentID, unlock: unlock}, nil
}

type memoryPass struct {
	store        *MemoryStore
	instrumentID string
	unlock       func()
	updates      []models.AlertStateUpdate
	triggers     []models.Trigger
	done         bool
}

func (p *memoryPass) ListActive(ctx context.Context) ([]models.Alert, error) {
	if p.done {
		return nil, fmt.Errorf("pass already finished")
	}
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()

	var out []models.Alert
	for _, a := range p.store.alerts {
		if a.InstrumentID == p.instrumentID && a.Active {
			out = append(out, p.store.withTicker(a))
		}
	}
	sortAlerts(out)
	return out, nil
}

func (p *memoryPass) SaveMutations(ctx context.Context, updates []models.AlertStateUpdate) error {
	if p.done {
		return fmt.Errorf("pass already finished")
	}
	p.updates = append(p.updates, updates...)
	return nil
}

func (p *memoryPass) CreateTriggers(ctx context.Context, triggers []models.Trigger) error {
	if p.done {
		return fmt.Errorf("pass already finished")
	}
	p.triggers = append(p.triggers, triggers...)
	return nil
}

func (p *memoryPass) Commit() error {
	if p.done {
		return fmt.Errorf("pass already finished")
	}
	p.done = true
	defer p.unlock()

	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	for _, u := range p.updates {
		if _, ok := p.store.alerts[u.AlertID]; !ok {
			return fmt.Errorf("alert %s: %w", u.AlertID, apperrors.ErrDataNotFound)
		}
	}
	for _, u := range p.updates {
		a := p.store.alerts[u.AlertID]
		a.Apply(u)
		p.store.alerts[u.AlertID] = a
	}
	p.store.triggers = append(p.store.triggers, p.triggers...)
	return nil
}

func (p *memoryPass) Rollback() error {
	if p.done {
		return nil
	}
	p.done = true
	p.unlock()
	return nil
}

// RecordObservation appends a price observation.
func (m *MemoryStore) RecordObservation(ctx context.Context, obs *models.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instruments[obs.InstrumentID]; !ok {
		return fmt.Errorf("instrument %s: %w", obs.InstrumentID, apperrors.ErrDataNotFound)
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now()
	}
	m.nextObsID++
	obs.ID = m.nextObsID
	m.observations[obs.InstrumentID] = append(m.observations[obs.InstrumentID], *obs)
	return nil
}

// Latest returns the most recent observation for an instrument, or nil.
func (m *MemoryStore) Latest(ctx context.Context, instrumentID string) (*models.Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestLocked(instrumentID), nil
}

func (m *MemoryStore) latestLocked(instrumentID string) *models.Observation {
	var latest *models.Observation
	obs := m.observations[instrumentID]
	for i := range obs {
		o := obs[i]
		if latest == nil || o.Timestamp.After(latest.Timestamp) ||
			(o.Timestamp.Equal(latest.Timestamp) && o.ID > latest.ID) {
			latest = &o
		}
	}
	return latest
}

// LatestPrices returns every instrument with its latest price, if any.
func (m *MemoryStore) LatestPrices(ctx context.Context) ([]models.PriceDigestEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []models.PriceDigestEntry
	for _, inst := range m.sortedInstruments() {
		e := models.PriceDigestEntry{Ticker: inst.Ticker}
		if o := m.latestLocked(inst.ID); o != nil {
			e.Price.Decimal = o.Price
			e.Price.Valid = true
			ts := o.Timestamp
			e.AsOf = &ts
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CreateInstrument inserts a new instrument. Tickers are unique and upper-case.
func (m *MemoryStore) CreateInstrument(ctx context.Context, inst *models.Instrument) error {
	ticker, err := models.NormalizeTicker(inst.Ticker)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst.Ticker = ticker
	for _, existing := range m.instruments {
		if existing.Ticker == inst.Ticker {
			return fmt.Errorf("instrument %s already exists", inst.Ticker)
		}
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	m.instruments[inst.ID] = *inst
	return nil
}

// GetInstrument retrieves an instrument by ID.
func (m *MemoryStore) GetInstrument(ctx context.Context, id string) (*models.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instruments[id]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", id, apperrors.ErrDataNotFound)
	}
	return &inst, nil
}

// GetInstrumentByTicker retrieves an instrument by its ticker.
func (m *MemoryStore) GetInstrumentByTicker(ctx context.Context, ticker string) (*models.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	for _, inst := range m.instruments {
		if inst.Ticker == ticker {
			found := inst
			return &found, nil
		}
	}
	return nil, fmt.Errorf("instrument %s: %w", ticker, apperrors.ErrDataNotFound)
}

// ListInstruments returns all instruments ordered by ticker.
func (m *MemoryStore) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedInstruments(), nil
}

func (m *MemoryStore) sortedInstruments() []models.Instrument {
	out := make([]models.Instrument, 0, len(m.instruments))
	for _, inst := range m.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// CreateUser inserts a new user.
func (m *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if existing.Username == user.Username {
			return fmt.Errorf("user %s already exists", user.Username)
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	m.users[user.ID] = *user
	return nil
}

// GetUser retrieves a user by ID.
func (m *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, apperrors.ErrDataNotFound)
	}
	return &u, nil
}

// ListUsers returns users matching the filter.
func (m *MemoryStore) ListUsers(ctx context.Context, filter UserFilter) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.User
	for _, u := range m.users {
		if filter.ActiveOnly && !u.Active {
			continue
		}
		if filter.WithEmail && u.Email == "" {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// CreateAlert validates and inserts a new alert with a closed window.
func (m *MemoryStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if err := alert.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instruments[alert.InstrumentID]; !ok {
		return fmt.Errorf("instrument %s: %w", alert.InstrumentID, apperrors.ErrDataNotFound)
	}
	if _, ok := m.users[alert.UserID]; !ok {
		return fmt.Errorf("user %s: %w", alert.UserID, apperrors.ErrDataNotFound)
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	alert.Window = models.ConditionWindow{}
	alert.LastTriggeredAt = nil
	alert.Ticker = m.instruments[alert.InstrumentID].Ticker

	m.alerts[alert.ID] = *alert
	return nil
}

// PutAlert stores an alert as-is, bypassing validation. It lets callers seed
// alerts in states CreateAlert would refuse.
func (m *MemoryStore) PutAlert(alert models.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.ID] = alert
}

// GetAlert retrieves an alert by ID.
func (m *MemoryStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, apperrors.ErrDataNotFound)
	}
	a = m.withTicker(a)
	return &a, nil
}

// ListAlerts returns alerts matching the filter.
func (m *MemoryStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Alert
	for _, a := range m.alerts {
		if filter.UserID != "" && a.UserID != filter.UserID {
			continue
		}
		if filter.InstrumentID != "" && a.InstrumentID != filter.InstrumentID {
			continue
		}
		if filter.ActiveOnly && !a.Active {
			continue
		}
		out = append(out, m.withTicker(a))
	}
	sortAlerts(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SetAlertActive enables or disables an alert. Disabling closes its window.
func (m *MemoryStore) SetAlertActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, apperrors.ErrDataNotFound)
	}
	a.Active = active
	if !active {
		a.Window.Open = false
		a.Window.OpenedAt = nil
	}
	m.alerts[id] = a
	return nil
}

// ListTriggers returns an alert's triggers, most recent first.
func (m *MemoryStore) ListTriggers(ctx context.Context, alertID string, limit int) ([]models.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Trigger
	for i := len(m.triggers) - 1; i >= 0; i-- {
		if m.triggers[i].AlertID == alertID {
			out = append(out, m.triggers[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) withTicker(a models.Alert) models.Alert {
	if inst, ok := m.instruments[a.InstrumentID]; ok {
		a.Ticker = inst.Ticker
	}
	return a
}

func sortAlerts(alerts []models.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].ID < alerts[j].ID
		}
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
}
