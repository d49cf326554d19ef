package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/binaries/gridcl/cli"
	"github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/common/log/hooks"
)

// A command-line client for execution policy documents
func main() {
	log.AddHook(hooks.NewContextHook())
	c := cli.NewPolicyCLIClient(os.Stdin, os.Stdout)
	if err := c.Exec(); err != nil {
		log.Error("error running gridcl: ", err)
		os.Exit(int(errors.ExitCodeOf(err)))
	}
}
