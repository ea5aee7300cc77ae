package main

import "github.com/kaspercito/oliver/cmd"

func main() {
	cmd.Execute()
}
