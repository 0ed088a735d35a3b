package main

import "conduit/cmd"

func main() {
	cmd.Execute()
}
