package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calsync/internal/database"
	"calsync/internal/models"
	"calsync/internal/syncerr"
)

type Store interface {
	GetOwnerCredential(ctx context.Context, ownerID string) (*models.OwnerCredential, error)
	UpsertOwnerCredential(ctx context.Context, cred models.OwnerCredential) error
}

// Source resolves an owner to decrypted site credentials.
type Source struct {
	store Store
	vault *Vault
}

func NewSource(store Store, vault *Vault) *Source {
	return &Source{store: store, vault: vault}
}

// Lookup returns the decrypted login for ownerID. A missing row is a
// MissingCredentials error and an unreadable one CredentialDecryptionError.
func (s *Source) Lookup(ctx context.Context, ownerID string) (models.Credentials, error) {
	cred, err := s.store.GetOwnerCredential(ctx, ownerID)
	if errors.Is(err, database.ErrCredentialsNotFound) {
		return models.Credentials{}, syncerr.Errorf(syncerr.MissingCredentials, "lookup credentials", "no credentials stored for owner %s", ownerID)
	}
	if err != nil {
		return models.Credentials{}, syncerr.New(syncerr.PersistenceError, "lookup credentials", err)
	}
	if s.vault == nil {
		return models.Credentials{}, syncerr.Errorf(syncerr.CredentialDecryptionError, "lookup credentials", "no credentials key configured")
	}

	email, err := s.vault.Decrypt(cred.EmailCiphertext)
	if err != nil {
		return models.Credentials{}, syncerr.New(syncerr.CredentialDecryptionError, "decrypt email", err)
	}
	password, err := s.vault.Decrypt(cred.PasswordCiphertext)
	if err != nil {
		return models.Credentials{}, syncerr.New(syncerr.CredentialDecryptionError, "decrypt password", err)
	}
	return models.Credentials{Email: email, Password: password}, nil
}

// Store encrypts creds and saves them for ownerID.
func (s *Source) Store(ctx context.Context, ownerID string, creds models.Credentials, now time.Time) error {
	if s.vault == nil {
		return errors.New("no credentials key configured")
	}
	email, err := s.vault.Encrypt(creds.Email)
	if err != nil {
		return err
	}
	password, err := s.vault.Encrypt(creds.Password)
	if err != nil {
		return err
	}
	if err := s.store.UpsertOwnerCredential(ctx, models.OwnerCredential{
		OwnerID:            ownerID,
		EmailCiphertext:    email,
		PasswordCiphertext: password,
		UpdatedAt:          now,
	}); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	return nil
}
