package main

import (
	"github.com/obslens/tracegraph/internal/server"
	"github.com/obslens/tracegraph/internal/util"
	"github.com/obslens/tracegraph/pkg/logger"
	"github.com/obslens/tracegraph/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: util.GetEnvBool("DEBUG", false),
	}))

	server.Init()
}
