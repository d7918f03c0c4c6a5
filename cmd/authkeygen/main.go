// Command authkeygen prints a new HS256 JWT signing secret and a new
// encryption master key, for seeding .env.local on first setup or during
// key rotation.
package main

import (
	"fmt"
	"os"

	"github.com/lavente-care/auth-core/internal/crypto"
)

func main() {
	jwtSecret, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("failed to generate JWT secret: %v\n", err)
		os.Exit(1)
	}

	encryptionKey, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("failed to generate encryption key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- COPY BELOW TO .env.local ---")
	fmt.Printf("JWT_SECRET=%s\n", jwtSecret)
	fmt.Printf("SECRETS_ENCRYPTION_KEY=%s\n", encryptionKey)
	fmt.Printf("SESSION_ENCRYPTION_MASTER_KEY=%s\n", encryptionKey)
	fmt.Println("--------------------------------")
}
