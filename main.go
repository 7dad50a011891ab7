package main

import "paxosnet/cmd"

func main() {
	cmd.Execute()
}
