// Package contacts manages the ordered list of emergency contacts and the primary contact.
//
// The store is the single source of truth: nothing is cached here, so every read sees the
// latest mutation.
package contacts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/store"
	"github.com/google/uuid"
)

// PrimaryContactSetting is the settings key holding the primary contact ID.
const PrimaryContactSetting = "primary_contact_id"

// Book is the contact store used by the episode engine and the HTTP API.
type Book struct {
	st store.Store
	mu sync.Mutex // serializes mutations so primary reassignment sees a consistent list
}

// NewBook creates a Book backed by the given store.
func NewBook(st store.Store) *Book {
	return &Book{st: st}
}

// Add validates and appends a contact at the end of the store order.
func (b *Book) Add(ctx context.Context, name, phone string) (models.Contact, error) {
	if err := ctx.Err(); err != nil {
		return models.Contact{}, err
	}
	c := models.Contact{
		ID:    uuid.NewString(),
		Name:  strings.TrimSpace(name),
		Phone: strings.TrimSpace(phone),
	}
	if err := c.Validate(); err != nil {
		return models.Contact{}, fmt.Errorf("%w: %v", models.ErrInvalidContact, err)
	}
	if countDigits(c.Phone) < models.MinPhoneDigits {
		return models.Contact{}, fmt.Errorf("%w: phone %q needs at least %d digits", models.ErrInvalidContact, c.Phone, models.MinPhoneDigits)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.st.AddContact(c); err != nil {
		return models.Contact{}, fmt.Errorf("failed to add contact: %w", err)
	}
	slog.Info("Book.Add: contact added", "id", c.ID, "name", c.Name)
	return c, nil
}

// Remove deletes a contact. Removing the primary reassigns it to the first remaining
// contact, or clears it when none remain.
func (b *Book) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.st.DeleteContact(id); err != nil {
		return err
	}
	slog.Info("Book.Remove: contact removed", "id", id)

	primaryID, ok, err := b.st.GetSetting(PrimaryContactSetting)
	if err != nil {
		return fmt.Errorf("failed to read primary contact: %w", err)
	}
	if !ok || primaryID != id {
		return nil
	}

	remaining, err := b.st.ListContacts()
	if err != nil {
		return fmt.Errorf("failed to list contacts: %w", err)
	}
	if len(remaining) == 0 {
		slog.Info("Book.Remove: last contact removed, clearing primary")
		return b.st.DeleteSetting(PrimaryContactSetting)
	}
	slog.Info("Book.Remove: primary reassigned", "from", id, "to", remaining[0].ID)
	return b.st.SetSetting(PrimaryContactSetting, remaining[0].ID)
}

// SetPrimary marks an existing contact as the primary.
func (b *Book) SetPrimary(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	all, err := b.st.ListContacts()
	if err != nil {
		return fmt.Errorf("failed to list contacts: %w", err)
	}
	if find(all, id) == nil {
		return models.ErrContactNotFound
	}
	if err := b.st.SetSetting(PrimaryContactSetting, id); err != nil {
		return fmt.Errorf("failed to set primary contact: %w", err)
	}
	slog.Info("Book.SetPrimary: primary contact set", "id", id)
	return nil
}

// List returns every contact in store order.
func (b *Book) List(ctx context.Context) ([]models.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.st.ListContacts()
}

// Primary returns the primary contact, falling back to the first contact when the stored
// primary is unset or no longer resolves. It returns nil when the book is empty.
func (b *Book) Primary(ctx context.Context) (*models.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all, err := b.st.ListContacts()
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	if len(all) == 0 {
		return nil, nil
	}
	primaryID, ok, err := b.st.GetSetting(PrimaryContactSetting)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary contact: %w", err)
	}
	if ok {
		if c := find(all, primaryID); c != nil {
			return c, nil
		}
		slog.Warn("Book.Primary: stored primary does not resolve, using first contact", "id", primaryID)
	}
	first := all[0]
	return &first, nil
}

func find(all []models.Contact, id string) *models.Contact {
	for i := range all {
		if all[i].ID == id {
			c := all[i]
			return &c
		}
	}
	return nil
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
