package main

import (
	"fmt"
	"os"

	"github.com/wtfsayo/mcpay-sub006/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
