package main

import "github.com/newhackerman/tenbin2api/internal/cli"

func main() {
	cli.Execute()
}
