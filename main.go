package main

import (
	"fmt"
	"os"

	"github.com/woliveiras/pibackup/pkg/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pibackup: %v\n", err)
		os.Exit(1)
	}
}
