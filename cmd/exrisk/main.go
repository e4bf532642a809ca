package main

import "exchange-risk-ledger/internal/cli"

func main() {
	cli.Execute()
}
