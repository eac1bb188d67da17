// hashkey prints the api_key_hash for a principals file entry.
//
// Usage:
//
//	go run ./scripts/hashkey <api-key>
//
// The output goes into KANSA_PRINCIPALS_FILE:
//
//	principals:
//	  - id: op-ana
//	    role: operator
//	    api_key_hash: "<output>"
//
// Each run uses a fresh salt, so hashing the same key twice prints
// different strings. Both verify.
package main

import (
	"fmt"
	"os"

	"github.com/ashita-ai/kansa/internal/auth"
)

func main() {
	if len(os.Args) != 2 || os.Args[1] == "" {
		fmt.Fprintln(os.Stderr, "usage: hashkey <api-key>")
		os.Exit(2)
	}
	hash, err := auth.HashAPIKey(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
