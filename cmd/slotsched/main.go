package main

import (
	_ "time/tzdata"

	"github.com/example/slot-scheduler/cmd"
)

func main() {
	cmd.Execute()
}
