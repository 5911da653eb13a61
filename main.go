package main

import "github.com/maxagent/maxd/cmd"

func main() {
	cmd.Execute()
}
