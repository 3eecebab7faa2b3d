package main

import "nebulasend/cmd"

func main() {
	cmd.Execute()
}
