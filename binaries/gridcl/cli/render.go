package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	exitcodes "github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/policy"
)

type renderCmd struct {
	asXML bool
}

func (c *renderCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "render <policy.xml|->",
		Short: "Prints the normalized policy, wrapped in an ExecutionPolicy document with --xml",
	}
	r.Flags().BoolVar(&c.asXML, "xml", false, "Wrap the policy in an ExecutionPolicy root element")
	return r
}

func (c *renderCmd) Run(cl *PolicyCLIClient, cmd *cobra.Command, args []string) error {
	doc, err := cl.readDocument(args)
	if err != nil {
		return err
	}
	p, err := policy.ParseString(string(doc))
	if err != nil {
		return exitcodes.NewError(err, exitcodes.PolicyParseFailureExitCode)
	}
	if c.asXML {
		fmt.Fprint(cl.Out, policy.ToXML(p))
	} else {
		fmt.Fprint(cl.Out, policy.String(p))
	}
	return nil
}
