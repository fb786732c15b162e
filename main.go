package main

import "SynthFM/cmd"

func main() {
	cmd.Execute()
}
