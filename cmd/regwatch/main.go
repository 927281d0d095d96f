package main

import (
	"os"

	"github.com/regwatch-io/regwatch/internal/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args))
}
