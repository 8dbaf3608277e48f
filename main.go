package main

import "soundslice/cmd"

func main() {
	cmd.Execute()
}
