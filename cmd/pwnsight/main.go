package main

import (
	"os"

	"github.com/pwnsight/pwnsight/cmd/pwnsight/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
