package main

import "github.com/stleox/tracepipe/pkg/cmd"

func main() {
	cmd.Execute()
}
