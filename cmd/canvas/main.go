package main

import "github.com/felixgeelhaar/canvas/cmd/canvas/cli"

func main() {
	cli.Execute()
}
