package main

import "github.com/stephnangue/keygate/cmd"

func main() {
	cmd.Execute()
}
