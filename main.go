package main

import "github.com/shelfsync/opdsacq/cmd"

func main() {
	cmd.Execute()
}
