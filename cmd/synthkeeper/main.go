package main

import (
	"os"

	"github.com/solatis/synthkeeper/cmd/synthkeeper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
