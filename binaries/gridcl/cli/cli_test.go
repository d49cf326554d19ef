package cli

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exitcodes "github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/common/log/helpers"
)

func init() {
	log.SetLevel(helpers.LevelFromEnv(helpers.LogLevelEnv, log.ErrorLevel))
}

const bigNodes = `<Preference>
  <AtLeast><Property>cpus</Property><Value>8</Value></AtLeast>
  <AtLeast><Property>cpus</Property><Value>2</Value></AtLeast>
</Preference>`

func writeDoc(t *testing.T, dir, name, doc string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(path, []byte(doc), 0644))
	return path
}

func run(stdin string, args ...string) (string, error) {
	out := &bytes.Buffer{}
	c := NewPolicyCLIClient(strings.NewReader(stdin), out)
	c.RootCmd.SetArgs(append([]string{"--log_level", "error"}, args...))
	c.RootCmd.SetOutput(ioutil.Discard)
	err := c.Exec()
	return out.String(), err
}

func Test_Validate(t *testing.T) {
	dir, err := ioutil.TempDir("", "gridcl")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	out, err := run("", "validate", writeDoc(t, dir, "ok.xml", bigNodes))
	require.NoError(t, err)
	assert.Contains(t, out, "valid")

	_, err = run("", "validate", writeDoc(t, dir, "bad.xml", `<AND><Bogus/></AND>`))
	assert.Equal(t, exitcodes.PolicyValidateFailureExitCode, exitcodes.ExitCodeOf(err))

	_, err = run("", "validate", filepath.Join(dir, "missing.xml"))
	assert.Equal(t, exitcodes.PolicyReadFailureExitCode, exitcodes.ExitCodeOf(err))

	_, err = run("   ", "validate", "-")
	assert.Equal(t, exitcodes.PolicyReadFailureExitCode, exitcodes.ExitCodeOf(err))
}

func Test_Render(t *testing.T) {
	out, err := run(bigNodes, "render", "--xml", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "<grid:ExecutionPolicy")
	assert.Contains(t, out, "<Property>cpus</Property>")

	out, err = run(bigNodes, "render", "-")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "<Preference>"), out)

	_, err = run("<AND>", "render", "-")
	assert.Equal(t, exitcodes.PolicyParseFailureExitCode, exitcodes.ExitCodeOf(err))
}

func Test_Eval(t *testing.T) {
	out, err := run(bigNodes, "eval", "--properties", "cpus=16", "-")
	require.NoError(t, err)
	assert.Equal(t, "accepted (rank 0)\n", out)

	out, err = run(bigNodes, "eval", "--properties", "cpus=4", "-")
	require.NoError(t, err)
	assert.Equal(t, "accepted (rank 1)\n", out)

	out, err = run(bigNodes, "eval", "--properties", "cpus=1", "-")
	assert.Equal(t, exitcodes.PolicyRejectedExitCode, exitcodes.ExitCodeOf(err))
	assert.Equal(t, "rejected\n", out)

	out, err = run(`<Equal><Property>os.name</Property><Value>Linux</Value></Equal>`,
		"eval", "--group", "os", "--properties", "os.name=Linux", "-")
	require.NoError(t, err)
	assert.Equal(t, "accepted\n", out)
}

func Test_Eval_PropertiesFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "gridcl")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	props := writeDoc(t, dir, "node.json", `{"system": {"cpus": "2"}, "env": {"TEAM": "render"}}`)
	out, err := run(`<AND>
  <AtLeast><Property>cpus</Property><Value>2</Value></AtLeast>
  <Equal><Property>TEAM</Property><Value>render</Value></Equal>
</AND>`, "eval", "--properties_file", props, "-")
	require.NoError(t, err)
	assert.Equal(t, "accepted\n", out)

	bad := writeDoc(t, dir, "bad.json", `{"system": `)
	_, err = run(bigNodes, "eval", "--properties_file", bad, "-")
	assert.Equal(t, exitcodes.PropertiesReadFailureExitCode, exitcodes.ExitCodeOf(err))
}
