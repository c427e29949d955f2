package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/beaver-pipeline/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()
	os.Exit(cli.Main())
}
