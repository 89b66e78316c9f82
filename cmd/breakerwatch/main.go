package main

import (
	"trade-halt-breaker/internal/cli"
)

func main() {
	cli.Execute()
}
