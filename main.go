package main

import (
	"os"

	"local.dev/bond/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
