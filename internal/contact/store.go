package contact

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/emersion/go-vcard"
	"github.com/hkdb/mailstore/internal/database"
	"github.com/hkdb/mailstore/internal/logging"
	"github.com/rs/zerolog"
)

// Store implements Contact row CRUD over the Database Gateway.
type Store struct {
	gw  *database.Gateway
	log zerolog.Logger
}

// NewStore constructs a contact Store.
func NewStore(gw *database.Gateway) *Store {
	return &Store{gw: gw, log: logging.WithComponent("contact")}
}

// LoadAll reads every contact row at account open (§4.1), keyed by
// normalized email. Per-row scan failures are logged and skipped rather
// than aborting the whole load.
func (s *Store) LoadAll(ctx context.Context) (map[string]Contact, error) {
	out := map[string]Contact{}
	err := s.gw.RO(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		rows, err := tx.Query(`SELECT email, real_name, highest_importance, normalized_email, flags FROM contacts`)
		if err != nil {
			return database.Done, fmt.Errorf("contact: load all: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var c Contact
			if err := rows.Scan(&c.Email, &c.RealName, &c.HighestImportance, &c.NormalizedEmail, &c.Flags); err != nil {
				s.log.Debug().Err(err).Msg("skipping contact row that failed to scan")
				continue
			}
			out[c.NormalizedEmail] = c
		}
		return database.Done, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert inserts or updates a contact by normalized email, never lowering
// an existing row's highest_importance on a lower-importance sighting.
func (s *Store) Upsert(ctx context.Context, email, realName string, importance Importance, flags uint32) (Contact, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	var result Contact
	err := s.gw.RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		var existing Contact
		var existingEmail sql.NullString
		err := tx.QueryRow(`SELECT email, real_name, highest_importance, normalized_email, flags FROM contacts WHERE normalized_email = ?`, normalized).
			Scan(&existingEmail, &existing.RealName, &existing.HighestImportance, &existing.NormalizedEmail, &existing.Flags)
		switch {
		case err == sql.ErrNoRows:
			result = Contact{Email: email, RealName: realName, HighestImportance: int(importance), NormalizedEmail: normalized, Flags: flags}
			_, err := tx.Exec(`INSERT INTO contacts (email, real_name, highest_importance, normalized_email, flags) VALUES (?, ?, ?, ?, ?)`,
				result.Email, result.RealName, result.HighestImportance, result.NormalizedEmail, result.Flags)
			if err != nil {
				return database.Rollback, fmt.Errorf("contact: insert: %w", err)
			}
			return database.Commit, nil
		case err != nil:
			return database.Rollback, fmt.Errorf("contact: load existing: %w", err)
		}

		result = existing
		result.Email = existingEmail.String
		if int(importance) > result.HighestImportance {
			result.HighestImportance = int(importance)
		}
		if realName != "" {
			result.RealName = realName
		}
		result.Flags = flags
		_, err = tx.Exec(`UPDATE contacts SET real_name = ?, highest_importance = ?, flags = ? WHERE normalized_email = ?`,
			result.RealName, result.HighestImportance, result.Flags, normalized)
		if err != nil {
			return database.Rollback, fmt.Errorf("contact: update: %w", err)
		}
		return database.Commit, nil
	})
	return result, err
}

// ToVCard renders c as a minimal vCard (formatted name + email), for
// callers that interoperate with an OS contacts layer.
func ToVCard(c Contact) vcard.Card {
	card := make(vcard.Card)
	card.SetValue(vcard.FieldFormattedName, c.RealName)
	card.AddValue(vcard.FieldEmail, c.Email)
	vcard.ToV4(card)
	return card
}

// FromVCard extracts the fields this store cares about from a parsed vCard.
func FromVCard(card vcard.Card) Contact {
	email := card.PreferredValue(vcard.FieldEmail)
	return Contact{
		Email:           email,
		RealName:        card.PreferredValue(vcard.FieldFormattedName),
		NormalizedEmail: strings.ToLower(strings.TrimSpace(email)),
	}
}
