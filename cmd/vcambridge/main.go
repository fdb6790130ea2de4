package main

import "github.com/bryanchriswhite/vcambridge/cmd/vcambridge/commands"

func main() {
	commands.Execute()
}
