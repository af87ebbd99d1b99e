package lib

import (
	"os"

	"github.com/joho/godotenv"
)

// Credentials are the Substack login fields. They are only ever typed
// into the sign-in form of the controlled browser.
type Credentials struct {
	Email    string
	Password string
}

// LoadCredentials reads credentials from SUBSTACK_EMAIL and
// SUBSTACK_PASSWORD, loading a local .env file first if one exists.
// Missing values are returned empty; the session falls back to
// interactive login in that case.
func LoadCredentials() Credentials {
	godotenv.Load()
	return Credentials{
		Email:    os.Getenv("SUBSTACK_EMAIL"),
		Password: os.Getenv("SUBSTACK_PASSWORD"),
	}
}
