package main

import "ifcscheduler/cmd"

func main() {
	cmd.Execute()
}
