package main

import "github.com/sentinelSCA/sentinel/cmd/sentinel/cmd"

func main() {
	cmd.Execute()
}
