package main

import "github.com/frametrace/frametrace/cmd/frametrace/commands"

func main() {
	commands.Execute()
}
