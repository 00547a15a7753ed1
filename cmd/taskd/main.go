package main

import (
	"fmt"
	"os"

	"github.com/ent0n29/taskd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
