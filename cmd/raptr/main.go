package main

import (
	_ "net/http/pprof"

	cmd "github.com/raptrnet/raptr/cmd/raptr/commands"
)

func main() {
	cmd.Execute()
}
