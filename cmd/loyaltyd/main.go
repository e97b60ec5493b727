package main

import "loyaltyd/internal/cli"

func main() {
	cli.Execute()
}
