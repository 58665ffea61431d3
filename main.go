package main

import (
	"github.com/cisc375/sage/cmd"
)

func main() {
	cmd.Execute()
}
