package main

import "github.com/benchkit/meister/cmd"

func main() {
	cmd.Execute()
}
