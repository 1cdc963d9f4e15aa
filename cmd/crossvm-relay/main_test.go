package main

import (
	"bytes"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"gotest.tools/v3/assert"

	"pkg.world.dev/world-engine/crossvm/relay"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTranscode(t *testing.T) {
	evm := "0x00000000000000000000000000000000000000aB"
	out, err := execute(t, "transcode", evm, "--to", "move")
	assert.NilError(t, err)
	assert.Equal(t, strings.TrimSpace(out), "0x"+strings.Repeat("0", 62)+"ab")

	out, err = execute(t, "transcode", strings.TrimSpace(out), "--to", "evm")
	assert.NilError(t, err)
	assert.Equal(t, strings.TrimSpace(out), common.HexToAddress(evm).Hex())
}

func TestTranscodeNotRepresentable(t *testing.T) {
	_, err := execute(t, "transcode", "0x"+strings.Repeat("f", 64), "--to", "evm")
	assert.ErrorContains(t, err, "not representable")
}

func TestTranscodeNeedsTarget(t *testing.T) {
	_, err := execute(t, "transcode", "0x1")
	assert.ErrorContains(t, err, "to")
}

func TestPrintResults(t *testing.T) {
	var out bytes.Buffer
	printResults(&out, []*relay.Result{
		{Scenario: relay.ScenarioDeploy, Registry: common.HexToAddress("0x01"), Number: new(big.Int)},
		{Scenario: relay.ScenarioAccountOriginated, Number: big.NewInt(100), NonceBefore: 3, NonceUsed: 3},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, len(lines), 2)
	assert.Equal(t, lines[0], "deploy: registry="+common.HexToAddress("0x01").Hex()+" number=0")
	assert.Equal(t, lines[1], "account-originated: number=100 nonce_before=3 nonce_used=3")
}
