package main

import (
	"github.com/kestrelmedia/crossbar/cmd"
)

func main() {
	cmd.Execute()
}
