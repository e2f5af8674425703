package main

import (
	"github.com/atomscat/softswitch-gateway/cmd"
)

func main() {
	cmd.Execute()
}
