package main

import (
	"os"

	"github.com/tendant/simple-recipe-pipeline/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
