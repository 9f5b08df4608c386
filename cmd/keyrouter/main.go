package main

import "github.com/vietddude/keyrouter/internal/cli"

func main() {
	cli.Execute()
}
