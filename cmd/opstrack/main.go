package main

import (
	"fmt"
	"os"

	"github.com/seantiz/opstrack/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "opstrack:", err)
		os.Exit(1)
	}
}
