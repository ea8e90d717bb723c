package main

import "github.com/ramiqadoumi/go-job-orchestrator/services/coordinator/cli"

func main() {
	cli.Execute()
}
