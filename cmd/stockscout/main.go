package main

import (
	"os"

	"stockscout/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
