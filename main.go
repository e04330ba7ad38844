package main

import (
	"fmt"
	"os"

	"github.com/tachrun/tach/internal/cmd"
	"github.com/tachrun/tach/internal/debugserver"
)

func main() {
	defer debugserver.RecoverTerminal()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
