// keygen generates a shared HMAC secret for the edge/gateway pair.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
)

func main() {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}
	secret := hex.EncodeToString(key)

	fmt.Println("Set this on BOTH the edge host and the private host:")
	fmt.Printf("  export GATEWAY_SECRET=%s\n", secret)
}
