package cli

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	putHex          = "1f000000010000000002000001000000010000000000000003000000010203"
	deleteEntityHex = "0c0000000300000000020000"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDecode_HexArgument(t *testing.T) {
	out, err := runCLI(t, "", "decode", putHex+deleteEntityHex+"ff")
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"put-component{entity=512:0 component=1 ts=1 len=3}",
		"delete-entity{entity=512:0 component=0 ts=0 len=0}",
		"2 message(s), 0 skipped, 1 trailing byte(s)",
		"",
	}, "\n"), out)
}

func TestDecode_HexStdinWithWhitespace(t *testing.T) {
	out, err := runCLI(t, "0c000000 03000000\n00020000\n", "decode")
	require.NoError(t, err)
	assert.Contains(t, out, "delete-entity{entity=512:0")
	assert.Contains(t, out, "1 message(s)")
}

func TestDecode_RawStdinVerbose(t *testing.T) {
	data, err := hex.DecodeString(deleteEntityHex)
	require.NoError(t, err)

	out, err := runCLI(t, string(data), "decode", "--raw", "-v")
	require.NoError(t, err)
	assert.Contains(t, out, "0\tDELETE_ENTITY\t")
}

func TestDecode_SkipsUnknown(t *testing.T) {
	out, err := runCLI(t, "", "decode", "0c00000063000000aabbccdd"+deleteEntityHex)
	require.NoError(t, err)
	assert.Contains(t, out, "1 message(s), 1 skipped, 0 trailing byte(s)")
}

func TestDecode_BadInput(t *testing.T) {
	_, err := runCLI(t, "", "decode", "zz")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runCLI(t, "", "decode", "--raw", "00")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
