package cli

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/gridsched/cloud/cluster"
	"github.com/twitter/gridsched/common"
	exitcodes "github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/policy"
)

// evalCmd evaluates a policy against one node described on the command
// line, the way the driver would before a dispatch.
type evalCmd struct {
	properties     string
	group          string
	propertiesFile string
	metadata       string
	dispatches     int
}

func (c *evalCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "eval <policy.xml|->",
		Short: "Evaluates a policy against a node's properties",
	}
	r.Flags().StringVar(&c.properties, "properties", "", "Node properties as comma separated key=value pairs, e.g. cpus=4,os.name=Linux")
	r.Flags().StringVar(&c.group, "group", cluster.SystemProperties, "Property group the --properties pairs belong to")
	r.Flags().StringVar(&c.propertiesFile, "properties_file", "", "JSON file of property groups: {\"system\": {\"cpus\": \"4\"}}")
	r.Flags().StringVar(&c.metadata, "metadata", "", "Job metadata as comma separated key=value pairs")
	r.Flags().IntVar(&c.dispatches, "dispatches", 0, "Number of dispatches the job already made")
	return r
}

func (c *evalCmd) Run(cl *PolicyCLIClient, cmd *cobra.Command, args []string) error {
	doc, err := cl.readDocument(args)
	if err != nil {
		return err
	}
	p, err := policy.ParseString(string(doc))
	if err != nil {
		return exitcodes.NewError(err, exitcodes.PolicyParseFailureExitCode)
	}
	info, err := c.nodeProperties()
	if err != nil {
		return exitcodes.NewError(err, exitcodes.PropertiesReadFailureExitCode)
	}
	policy.AttachContext(p, &policy.Context{
		JobMetadata: common.SplitCommaSepToMap(c.metadata),
		Dispatches:  c.dispatches,
	})

	log.WithFields(log.Fields{
		"properties": info.Flatten(),
		"metadata":   c.metadata,
	}).Debug("evaluating policy")

	rank := policy.Rank(p, info)
	if rank < 0 {
		fmt.Fprintln(cl.Out, "rejected")
		return exitcodes.NewError(errors.New("node rejected by policy"), exitcodes.PolicyRejectedExitCode)
	}
	if _, ok := p.(*policy.Preference); ok {
		fmt.Fprintf(cl.Out, "accepted (rank %d)\n", rank)
	} else {
		fmt.Fprintln(cl.Out, "accepted")
	}
	return nil
}

func (c *evalCmd) nodeProperties() (*cluster.PropertyCollection, error) {
	groups := map[string]map[string]string{}
	if c.propertiesFile != "" {
		data, err := ioutil.ReadFile(c.propertiesFile)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", c.propertiesFile)
		}
		if err := json.Unmarshal(data, &groups); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", c.propertiesFile)
		}
	}
	if strings.TrimSpace(c.properties) != "" {
		if groups[c.group] == nil {
			groups[c.group] = map[string]string{}
		}
		for k, v := range common.SplitCommaSepToMap(c.properties) {
			groups[c.group][k] = v
		}
	}
	return cluster.PropertiesFromMap(groups), nil
}
