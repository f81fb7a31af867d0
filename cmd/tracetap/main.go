package main

import "github.com/tracetap/tracetap/pkg/cli"

func main() {
	cli.Execute()
}
