package main

import "go.gazette.dev/hostvfs/cmd/hostvfs/hostvfscmd"

func main() { hostvfscmd.Execute() }
