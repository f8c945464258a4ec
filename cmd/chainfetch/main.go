package main

import "github.com/vietddude/chainfetch/internal/cli"

func main() {
	cli.Execute()
}
