package main

import "github.com/sarchlab/addrspace/cmd/addrspace/cmd"

func main() {
	cmd.Execute()
}
