package main

import "github.com/substack2md/substack2md/cmd"

func main() {
	cmd.Execute()
}
