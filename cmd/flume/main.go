package main

import (
	"github.com/Paintersrp/flume/internal/cli"
	"github.com/Paintersrp/flume/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
