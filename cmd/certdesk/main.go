package main

import "github.com/certdesk/certdesk/cmd/certdesk/cmd"

func main() {
	cmd.Execute()
}
