package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"calsync/internal/models"
)

func (db *DB) UpsertOwnerCredential(ctx context.Context, cred models.OwnerCredential) error {
	_, err := db.ExecContext(ctx, `INSERT INTO owner_credentials (owner_id, email_ciphertext, password_ciphertext, updated_at)
              VALUES (?, ?, ?, ?)
              ON CONFLICT(owner_id) DO UPDATE SET
                email_ciphertext = excluded.email_ciphertext,
                password_ciphertext = excluded.password_ciphertext,
                updated_at = excluded.updated_at`,
		cred.OwnerID, cred.EmailCiphertext, cred.PasswordCiphertext, formatTime(cred.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert owner credentials: %w", err)
	}
	return nil
}

func (db *DB) GetOwnerCredential(ctx context.Context, ownerID string) (*models.OwnerCredential, error) {
	var (
		cred    models.OwnerCredential
		updated string
	)
	err := db.QueryRowContext(ctx,
		`SELECT owner_id, email_ciphertext, password_ciphertext, updated_at FROM owner_credentials WHERE owner_id = ?`,
		ownerID).Scan(&cred.OwnerID, &cred.EmailCiphertext, &cred.PasswordCiphertext, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get owner credentials: %w", err)
	}
	if cred.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &cred, nil
}

func (db *DB) DeleteOwnerCredential(ctx context.Context, ownerID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM owner_credentials WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("failed to delete owner credentials: %w", err)
	}
	return nil
}

// ListOwnersWithCredentials returns every owner that can be synced.
func (db *DB) ListOwnersWithCredentials(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT owner_id FROM owner_credentials ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, id)
	}
	return owners, rows.Err()
}
