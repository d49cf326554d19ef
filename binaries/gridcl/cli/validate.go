package cli

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	exitcodes "github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/policy"
)

type validateCmd struct{}

func (c *validateCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <policy.xml|->",
		Short: "Checks a policy document, reporting every problem found",
	}
}

func (c *validateCmd) Run(cl *PolicyCLIClient, cmd *cobra.Command, args []string) error {
	doc, err := cl.readDocument(args)
	if err != nil {
		return err
	}
	if err := policy.Validate(bytes.NewReader(doc)); err != nil {
		return exitcodes.NewError(err, exitcodes.PolicyValidateFailureExitCode)
	}
	fmt.Fprintf(cl.Out, "%s: valid\n", args[0])
	return nil
}
