package main

import (
	"os"

	"github.com/hashicorp-forge/reindexer/internal/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args))
}
