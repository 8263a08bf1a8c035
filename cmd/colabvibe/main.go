package main

import "github.com/colabvibe/colabvibe/internal/cmd"

func main() {
	cmd.Execute()
}
