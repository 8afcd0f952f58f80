package main

import (
	"os"

	"github.com/prepost/prepost/cmd/prepost/cmds"
)

func main() {
	os.Exit(cmds.Main(os.Args[1:]))
}
