package relay

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

const (
	SetNumberSignature = "setNumber(uint256)"
	NumberSignature    = "number()"
)

// ContractArtifact is the compiler output of the target contract in the Hardhat/Truffle JSON layout.
type ContractArtifact struct {
	ABI      json.RawMessage `json:"abi"`
	Bytecode hexutil.Bytes   `json:"bytecode"`
}

// Validate checks that the artifact can be deployed and exposes the registry methods the scenarios call.
func (a ContractArtifact) Validate() error {
	if len(a.Bytecode) == 0 {
		return eris.New("contract artifact has no bytecode")
	}
	parsed, err := abi.JSON(bytes.NewReader(a.ABI))
	if err != nil {
		return eris.Wrap(err, "malformed contract abi")
	}
	for _, name := range []string{"number", "setNumber"} {
		if _, ok := parsed.Methods[name]; !ok {
			return eris.Errorf("contract abi has no %s method", name)
		}
	}
	return nil
}

func LoadContractArtifact(path string) (ContractArtifact, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return ContractArtifact{}, eris.Wrapf(err, "failed to read contract artifact %s", path)
	}
	var a ContractArtifact
	if err := json.Unmarshal(bz, &a); err != nil {
		return ContractArtifact{}, eris.Wrapf(err, "malformed contract artifact %s", path)
	}
	return a, a.Validate()
}

// MovePackage is a compiled Move package ready for 0x1::code::publish_package_txn.
type MovePackage struct {
	Metadata []byte
	Modules  [][]byte
	// Module is the module whose call_evm entry function the contract-originated scenario calls.
	Module string
}

// LoadMovePackage reads build/<name>/package-metadata.bcs and build/<name>/bytecode_modules/<module>.mv under dir,
// the layout the Move compiler writes.
func LoadMovePackage(dir, name, module string) (MovePackage, error) {
	build := filepath.Join(dir, "build", name)
	metadata, err := os.ReadFile(filepath.Join(build, "package-metadata.bcs"))
	if err != nil {
		return MovePackage{}, eris.Wrapf(err, "failed to read metadata of move package %s", name)
	}
	code, err := os.ReadFile(filepath.Join(build, "bytecode_modules", module+".mv"))
	if err != nil {
		return MovePackage{}, eris.Wrapf(err, "failed to read module %s of move package %s", module, name)
	}
	return MovePackage{Metadata: metadata, Modules: [][]byte{code}, Module: module}, nil
}

// Artifacts are the compiled contracts the scenarios deploy.
type Artifacts struct {
	Registry ContractArtifact
	Package  MovePackage
}
