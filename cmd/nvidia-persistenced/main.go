// nvidia-persistenced keeps NVIDIA devices initialized while no client
// holds them open, and onlines their NUMA memory.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-persistenced"
	"github.com/frobware/go-persistenced/cmd/nvidia-persistenced/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c, cli.KongOptions()...)
	if err := ctx.Run(&c); err != nil {
		fmt.Fprintf(os.Stderr, "nvidia-persistenced: %v\n", err)
		var se persistenced.StatusError
		if errors.As(err, &se) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
