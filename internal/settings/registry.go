// Package settings provides a typed, cached accessor over the settings
// table. Values are safe to change at runtime; a write invalidates the
// cached key before returning, so readers never see a stale value after
// a successful set.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"praxismail/internal/database"
)

// Known setting keys.
const (
	KeyAutoSendEnabled       = "auto_send_enabled"
	KeyAutoSendConfidence    = "auto_send_confidence_threshold"
	KeyScoreGateThreshold    = "score_gate_threshold"
	KeyWorkingHoursStart     = "working_hours_start"
	KeyWorkingHoursEnd       = "working_hours_end"
	KeyWorkingDays           = "working_days"
	KeyHoldExpiryMinutes     = "hold_expiry_minutes"
	KeyMaxHoldsPerEmail      = "max_holds_per_email"
	KeyRequireManualApproval = "require_manual_approval"
	KeyRetryDelayMinutes     = "retry_delay_minutes"
	KeyMaxRetries            = "max_retries"
	KeyAuditRetentionDays    = "audit_retention_days"
)

// Defaults returns the default value for every known key, encoded as it
// is stored.
func Defaults() map[string]string {
	return map[string]string{
		KeyAutoSendEnabled:       "false",
		KeyAutoSendConfidence:    "0.95",
		KeyScoreGateThreshold:    "0.8",
		KeyWorkingHoursStart:     "08:00",
		KeyWorkingHoursEnd:       "18:00",
		KeyWorkingDays:           "[1,2,3,4,5]",
		KeyHoldExpiryMinutes:     "30",
		KeyMaxHoldsPerEmail:      "3",
		KeyRequireManualApproval: "true",
		KeyRetryDelayMinutes:     "15",
		KeyMaxRetries:            "3",
		KeyAuditRetentionDays:    "90",
	}
}

const cacheTTL = 60 * time.Second

type cacheEntry struct {
	value   string
	ok      bool
	expires time.Time
}

// Registry is the typed settings accessor. Reads of cached keys are
// served from memory for up to 60 seconds; any write invalidates the
// written key.
type Registry struct {
	store *database.SettingStore

	mu    sync.RWMutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store *database.SettingStore) *Registry {
	return &Registry{
		store: store,
		cache: make(map[string]cacheEntry),
		now:   time.Now,
	}
}

// InitializeDefaults idempotently inserts any missing default key.
func (r *Registry) InitializeDefaults(ctx context.Context) error {
	for key, value := range Defaults() {
		if err := r.store.SetIfMissing(ctx, key, value); err != nil {
			return fmt.Errorf("failed to seed default %s: %w", key, err)
		}
	}
	return nil
}

// Reset rewrites every known key to its default.
func (r *Registry) Reset(ctx context.Context) error {
	for key, value := range Defaults() {
		if err := r.store.Set(ctx, key, value); err != nil {
			return fmt.Errorf("failed to reset %s: %w", key, err)
		}
		r.invalidate(key)
	}
	return nil
}

// ClearCache drops every cached key.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

func (r *Registry) invalidate(key string) {
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
}

// raw returns the stored value for key, consulting the cache first.
// The miss ("not stored") result is cached too.
func (r *Registry) raw(ctx context.Context, key string) (string, bool) {
	r.mu.RLock()
	entry, cached := r.cache[key]
	r.mu.RUnlock()
	if cached && r.now().Before(entry.expires) {
		return entry.value, entry.ok
	}

	value, err := r.store.Get(ctx, key)
	ok := err == nil

	r.mu.Lock()
	r.cache[key] = cacheEntry{value: value, ok: ok, expires: r.now().Add(cacheTTL)}
	r.mu.Unlock()

	return value, ok
}

// GetBool returns the boolean value of key, or def when the key is
// missing or unparsable.
func (r *Registry) GetBool(ctx context.Context, key string, def bool) bool {
	raw, ok := r.raw(ctx, key)
	if !ok {
		return def
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return value
}

// GetNumber returns the numeric value of key, or def when the key is
// missing or unparsable.
func (r *Registry) GetNumber(ctx context.Context, key string, def float64) float64 {
	raw, ok := r.raw(ctx, key)
	if !ok {
		return def
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return value
}

// GetString returns the string value of key, or def when missing.
func (r *Registry) GetString(ctx context.Context, key string, def string) string {
	raw, ok := r.raw(ctx, key)
	if !ok {
		return def
	}
	return raw
}

// GetJSON decodes the value of key into target; target is left
// untouched when the key is missing or undecodable, and the method
// reports whether decoding happened.
func (r *Registry) GetJSON(ctx context.Context, key string, target any) bool {
	raw, ok := r.raw(ctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(raw), target) == nil
}

// SetBool persists a boolean value and invalidates the cached key.
func (r *Registry) SetBool(ctx context.Context, key string, value bool) error {
	return r.set(ctx, key, strconv.FormatBool(value))
}

// SetNumber persists a numeric value and invalidates the cached key.
func (r *Registry) SetNumber(ctx context.Context, key string, value float64) error {
	return r.set(ctx, key, strconv.FormatFloat(value, 'f', -1, 64))
}

// SetString persists a string value and invalidates the cached key.
func (r *Registry) SetString(ctx context.Context, key, value string) error {
	return r.set(ctx, key, value)
}

// SetJSON persists a JSON-encoded value and invalidates the cached key.
func (r *Registry) SetJSON(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return r.set(ctx, key, string(encoded))
}

func (r *Registry) set(ctx context.Context, key, value string) error {
	if err := r.store.Set(ctx, key, value); err != nil {
		return err
	}
	r.invalidate(key)
	return nil
}

// WorkingDays returns the configured weekdays (0=Sunday .. 6=Saturday).
func (r *Registry) WorkingDays(ctx context.Context) []int {
	var days []int
	if !r.GetJSON(ctx, KeyWorkingDays, &days) {
		return []int{1, 2, 3, 4, 5}
	}
	return days
}

// InWorkingHours reports whether t falls on a working day between the
// configured start and end times (start inclusive, end exclusive).
func (r *Registry) InWorkingHours(ctx context.Context, t time.Time) bool {
	weekday := int(t.Weekday())
	onWorkingDay := false
	for _, day := range r.WorkingDays(ctx) {
		if day == weekday {
			onWorkingDay = true
			break
		}
	}
	if !onWorkingDay {
		return false
	}

	start := parseClock(r.GetString(ctx, KeyWorkingHoursStart, "08:00"), 8*60)
	end := parseClock(r.GetString(ctx, KeyWorkingHoursEnd, "18:00"), 18*60)
	minute := t.Hour()*60 + t.Minute()
	return minute >= start && minute < end
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(value string, def int) int {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return def
	}
	return parsed.Hour()*60 + parsed.Minute()
}
