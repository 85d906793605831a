package main

import "ballot-ledger/cmd"

func main() {
	cmd.Run()
}
