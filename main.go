package main

import "github.com/nextlevelbuilder/goreply/cmd"

func main() {
	cmd.Execute()
}
