// cmd/keyhash/main.go
package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"pharmachain/internal/identity"
)

// keyhash generates an API key for an identity. The auth.keys entry goes to
// stdout and the raw key, shown once, to stderr.
func main() {
	id := flag.String("identity", "", "caller identity the key authenticates")
	flag.Parse()

	if *id == "" {
		fmt.Fprintln(os.Stderr, "usage: keyhash -identity 0x...")
		os.Exit(2)
	}

	key, raw, err := identity.NewKey(*id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(1)
	}
	out, err := yaml.Marshal([]identity.Key{key})
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode key: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "API key for %s (key id %s): %s\n", *id, key.ID, raw)
	os.Stdout.Write(out)
}
