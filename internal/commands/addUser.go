package commands

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"pavilion/internal/auth"
	"pavilion/internal/config"
	"pavilion/internal/storage"
)

// AddUser creates an account directly in the database with a random
// password and prints the credentials. Used to bootstrap the first
// account before the server is running.
func AddUser(handle string, cfg *config.Config) error {
	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	secret := cfg.AuthSecret
	if secret == "" {
		// Registration never touches the token secret; any value
		// satisfies the service config here.
		secret = "bootstrap"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      secret,
		TokenExpiry: cfg.TokenExpiry,
	}, store)
	if err != nil {
		return err
	}

	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("failed to generate password: %w", err)
	}
	password := base64.RawURLEncoding.EncodeToString(buf)

	user, err := authService.Register(auth.RegistrationRequest{
		Handle:   handle,
		Email:    handle + "@localhost",
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Handle:    %s\n", user.Handle)
	fmt.Printf("User ID:   %s\n", user.ID)
	fmt.Printf("Password:  %s\n\n", password)
	fmt.Printf("Login at:  %s\n\n", cfg.BaseURL)
	fmt.Println("Please share these credentials with the user and ask them to change the password.")
	return nil
}
