package main

import "github.com/metrolab/boxupdate/cmd/boxupdate-server/cmd"

func main() {
	cmd.Execute()
}
