package main

import (
	"os"

	"github.com/liamcoop/rules/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
