// keygen выдаёт секреты для .env: ключ шифрования API-секретов и bearer токен
// вместе с его bcrypt-хешем. Токен показывается один раз, в конфиг идёт хеш.
package main

import (
	"fmt"
	"os"

	"autotrader/pkg/crypto"
)

func main() {
	key, err := crypto.GenerateKey()
	if err != nil {
		fail("generate encryption key", err)
	}

	token, err := crypto.GenerateToken()
	if err != nil {
		fail("generate api token", err)
	}
	hash, err := crypto.HashToken(token, crypto.DefaultCost)
	if err != nil {
		fail("hash api token", err)
	}

	fmt.Printf("ENCRYPTION_KEY=%s\n", key)
	fmt.Printf("API_TOKEN_HASH='%s'\n", hash)
	fmt.Fprintf(os.Stderr, "api token (store it, it is not saved anywhere): %s\n", token)
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
	os.Exit(1)
}
