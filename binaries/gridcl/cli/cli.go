package cli

import (
	"bytes"
	"io"
	"io/ioutil"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	exitcodes "github.com/twitter/gridsched/common/errors"
)

// Cmd is one gridcl subcommand.
type Cmd interface {
	// Define the cobra command and its flags
	RegisterFlags() *cobra.Command

	// Run the command once the flags are parsed
	Run(cl *PolicyCLIClient, cmd *cobra.Command, args []string) error
}

// PolicyCLIClient holds what every subcommand needs: where documents are
// read from when the file argument is "-", and where output goes.
type PolicyCLIClient struct {
	RootCmd  *cobra.Command
	LogLevel string
	In       io.Reader
	Out      io.Writer
}

func (c *PolicyCLIClient) Exec() error {
	return c.RootCmd.Execute()
}

func NewPolicyCLIClient(in io.Reader, out io.Writer) *PolicyCLIClient {
	c := &PolicyCLIClient{In: in, Out: out}

	c.RootCmd = &cobra.Command{
		Use:               "gridcl",
		Short:             "gridcl validates, renders and evaluates execution policies",
		PersistentPreRunE: c.Init,
		Run:               func(*cobra.Command, []string) {},
		SilenceUsage:      true,
	}
	c.RootCmd.PersistentFlags().StringVar(&c.LogLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")

	c.addCmd(&validateCmd{})
	c.addCmd(&renderCmd{})
	c.addCmd(&evalCmd{})
	return c
}

// Can only be called from cobra command run or hook
func (c *PolicyCLIClient) Init(cmd *cobra.Command, args []string) error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.Error(err)
		return err
	}
	log.SetLevel(level)
	return nil
}

func (c *PolicyCLIClient) addCmd(cmd Cmd) {
	cobraCmd := cmd.RegisterFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.Run(c, innerCmd, args)
	}
	c.RootCmd.AddCommand(cobraCmd)
}

// readDocument returns the policy document named by args[0], standard input
// for "-".
func (c *PolicyCLIClient) readDocument(args []string) ([]byte, error) {
	if len(args) != 1 {
		return nil, exitcodes.NewError(errors.Errorf("expected one policy document, got %d arguments", len(args)),
			exitcodes.PolicyReadFailureExitCode)
	}
	var (
		doc []byte
		err error
	)
	if args[0] == "-" {
		doc, err = ioutil.ReadAll(c.In)
	} else {
		doc, err = ioutil.ReadFile(args[0])
	}
	if err != nil {
		return nil, exitcodes.NewError(errors.Wrapf(err, "reading %s", args[0]), exitcodes.PolicyReadFailureExitCode)
	}
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, exitcodes.NewError(errors.Errorf("%s is empty", args[0]), exitcodes.PolicyReadFailureExitCode)
	}
	return doc, nil
}
