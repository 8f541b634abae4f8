package main

import "scambait/backend/internal/cli"

func main() {
	cli.Execute()
}
