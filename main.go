package main

import "github.com/arcward/plana/cmd"

func main() {
	cmd.Execute()
}
