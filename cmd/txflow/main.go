package main

import "github.com/vietddude/txflow/internal/cli"

func main() {
	cli.Execute()
}
