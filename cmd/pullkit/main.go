// Command pullkit fetches tokens, manifests and blobs from OCI registries.
package main

import (
	"os"

	"github.com/meigma/pullkit/cmd/pullkit/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
