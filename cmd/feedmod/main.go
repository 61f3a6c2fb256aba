package main

import (
	"fmt"
	"os"
)

// Version 构建时通过 -ldflags 注入
var Version = "dev"

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
