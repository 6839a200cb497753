package chain

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract member names.
const (
	methodStoreResearch    = "storeResearch"
	methodGetResearch      = "getResearch"
	methodGetResearchCount = "getResearchCount"
	eventResearchStored    = "ResearchStored"
)

// registryABI is the ResearchRegistry interface used when no ABI file is present.
const registryABI = `[
  {
    "inputs": [
      {"internalType": "address", "name": "_researcher", "type": "address"},
      {"internalType": "string", "name": "_resultData", "type": "string"},
      {"internalType": "string", "name": "_sessionId", "type": "string"}
    ],
    "name": "storeResearch",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "_researcher", "type": "address"},
      {"internalType": "uint256", "name": "_researchId", "type": "uint256"}
    ],
    "name": "getResearch",
    "outputs": [
      {
        "components": [
          {"internalType": "address", "name": "researcher", "type": "address"},
          {"internalType": "string", "name": "resultData", "type": "string"},
          {"internalType": "uint256", "name": "timestamp", "type": "uint256"},
          {"internalType": "string", "name": "sessionId", "type": "string"}
        ],
        "internalType": "struct ResearchRegistry.ResearchResult",
        "name": "",
        "type": "tuple"
      }
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "address", "name": "_researcher", "type": "address"}],
    "name": "getResearchCount",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "researcher", "type": "address"},
      {"indexed": true, "internalType": "uint256", "name": "researchId", "type": "uint256"},
      {"indexed": false, "internalType": "string", "name": "sessionId", "type": "string"},
      {"indexed": false, "internalType": "uint256", "name": "timestamp", "type": "uint256"}
    ],
    "name": "ResearchStored",
    "type": "event"
  }
]`

// LoadABI reads the contract ABI from path, falling back to the built-in
// definition when path is empty or missing.
func LoadABI(path string) (abi.ABI, error) {
	src := registryABI
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			src = string(data)
		case errors.Is(err, fs.ErrNotExist):
		default:
			return abi.ABI{}, fmt.Errorf("read contract abi %s: %w", path, err)
		}
	}

	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse contract abi: %w", err)
	}
	for _, name := range []string{methodStoreResearch, methodGetResearch, methodGetResearchCount} {
		if _, ok := parsed.Methods[name]; !ok {
			return abi.ABI{}, fmt.Errorf("contract abi has no %s method", name)
		}
	}
	if _, ok := parsed.Events[eventResearchStored]; !ok {
		return abi.ABI{}, fmt.Errorf("contract abi has no %s event", eventResearchStored)
	}
	return parsed, nil
}
