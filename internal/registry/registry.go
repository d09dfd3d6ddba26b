// Package registry manages the fixed set of linked-account slots.
package registry

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"shopkeeper/internal/store"
)

// ErrNotFound is returned when no account occupies the requested slot.
var ErrNotFound = errors.New("registry: account not found")

// Registry is CRUD over account slots 1..maxSlots. Mutations persist
// immediately; there is no write-behind.
type Registry struct {
	db       *gorm.DB
	maxSlots int
	logger   *zap.Logger
}

func New(db *gorm.DB, maxSlots int, logger *zap.Logger) *Registry {
	return &Registry{db: db, maxSlots: maxSlots, logger: logger}
}

// MaxSlots reports the configured slot ceiling.
func (r *Registry) MaxSlots() int { return r.maxSlots }

// Add upserts an account keyed by slot. A slot outside [1, maxSlots] is
// rejected without touching existing state.
func (r *Registry) Add(slot int, name, encryptedRefreshToken, upstreamID string, expiry time.Time) error {
	if slot < 1 || slot > r.maxSlots {
		return fmt.Errorf("registry: slot %d outside [1, %d]", slot, r.maxSlots)
	}

	var existing store.Account
	err := r.db.First(&existing, "slot = ?", slot).Error
	if err == nil {
		existing.DisplayName = name
		existing.RefreshToken = encryptedRefreshToken
		existing.UpstreamID = upstreamID
		existing.ExpiresAt = expiry
		if err := r.db.Save(&existing).Error; err != nil {
			return err
		}
		r.logger.Info("account updated", zap.Int("slot", slot), zap.String("name", name))
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	acc := store.Account{
		Slot:         slot,
		DisplayName:  name,
		RefreshToken: encryptedRefreshToken,
		UpstreamID:   upstreamID,
		ExpiresAt:    expiry,
	}
	if err := r.db.Create(&acc).Error; err != nil {
		return err
	}
	r.logger.Info("account added", zap.Int("slot", slot), zap.String("name", name))
	return nil
}

// Get returns the account in the given slot.
func (r *Registry) Get(slot int) (store.Account, error) {
	var acc store.Account
	if err := r.db.First(&acc, "slot = ?", slot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.Account{}, ErrNotFound
		}
		return store.Account{}, err
	}
	return acc, nil
}

// Active returns the unique active account, or ErrNotFound if none is set.
func (r *Registry) Active() (store.Account, error) {
	var acc store.Account
	if err := r.db.First(&acc, "is_active = ?", true).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.Account{}, ErrNotFound
		}
		return store.Account{}, err
	}
	return acc, nil
}

// List returns all accounts sorted by slot, refresh tokens redacted.
func (r *Registry) List() ([]store.Account, error) {
	var accounts []store.Account
	if err := r.db.Order("slot").Find(&accounts).Error; err != nil {
		return nil, err
	}
	for i := range accounts {
		accounts[i] = accounts[i].Redacted()
	}
	return accounts, nil
}

// SwitchActive deactivates every slot then activates the requested one, all
// inside one transaction so the single-active invariant holds at every
// observable point.
func (r *Registry) SwitchActive(slot int) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var acc store.Account
		if err := tx.First(&acc, "slot = ?", slot).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Model(&store.Account{}).Where("is_active = ?", true).Update("is_active", false).Error; err != nil {
			return err
		}
		if err := tx.Model(&store.Account{}).Where("slot = ?", slot).Update("is_active", true).Error; err != nil {
			return err
		}
		r.logger.Info("active account switched", zap.Int("slot", slot))
		return nil
	})
}

// Deactivate clears the active flag on the given slot, leaving no account
// active. Used when a refresh token is permanently rejected upstream.
func (r *Registry) Deactivate(slot int) error {
	res := r.db.Model(&store.Account{}).Where("slot = ?", slot).Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	r.logger.Warn("account deactivated", zap.Int("slot", slot))
	return nil
}

// Remove deletes the account in the given slot.
func (r *Registry) Remove(slot int) error {
	res := r.db.Delete(&store.Account{}, "slot = ?", slot)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	r.logger.Info("account removed", zap.Int("slot", slot))
	return nil
}

// UpdateTokens persists a rotated refresh token and its new expiry.
func (r *Registry) UpdateTokens(slot int, encryptedRefreshToken string, expiry time.Time) error {
	res := r.db.Model(&store.Account{}).Where("slot = ?", slot).Updates(map[string]any{
		"refresh_token": encryptedRefreshToken,
		"expires_at":    expiry,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// NextFreeSlot returns the lowest unoccupied slot, or 0 when full.
func (r *Registry) NextFreeSlot() (int, error) {
	accounts, err := r.List()
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool, len(accounts))
	for _, a := range accounts {
		used[a.Slot] = true
	}
	for slot := 1; slot <= r.maxSlots; slot++ {
		if !used[slot] {
			return slot, nil
		}
	}
	return 0, nil
}

// Count reports how many slots are occupied.
func (r *Registry) Count() (int64, error) {
	var n int64
	if err := r.db.Model(&store.Account{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}
