package main

import "github.com/kilnfi/go-ledger-kiln/cmd"

func main() {
	cmd.Execute()
}
