package main

import (
	"github.com/robotalks/mhu.go/pkg/cli/sh"
	"github.com/robotalks/mhu.go/pkg/env"

	_ "github.com/robotalks/mhu.go/pkg/cli/cmds/services"
)

//go-build: CGO_ENABLED=0

func init() {
	env.SetupFlags()
}

func main() {
	sh.Main()
}
