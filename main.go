package main

import "github.com/stleox/spanflow/pkg/cmd"

func main() {
	cmd.Execute()
}
