package main

import (
	"fmt"
	"os"

	"github.com/gsh-mux/gsh/cmd"
)

func main() {
	root := cmd.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}