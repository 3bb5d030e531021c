package main

import "github.com/attendhq/attend/cmd"

func main() {
	cmd.Execute()
}
