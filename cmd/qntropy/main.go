package main

import (
	"os"

	"qntropy/internal/cliapp"
)

func main() {
	os.Exit(cliapp.Run(os.Args[1:]))
}
