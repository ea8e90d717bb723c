package main

import "github.com/ramiqadoumi/go-job-orchestrator/services/worker/cli"

func main() {
	cli.Execute()
}
