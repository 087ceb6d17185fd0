package main

import "github.com/TitanVJ/wall-e-models/cmd"

func main() {
	cmd.Execute()
}
