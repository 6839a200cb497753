package domain

import "time"

// BlockchainResult describes a confirmed research registry transaction.
type BlockchainResult struct {
	TransactionHash string `json:"transaction_hash"`
	ResearchID      uint64 `json:"research_id"`
	GasUsed         uint64 `json:"gas_used"`
	BlockNumber     uint64 `json:"block_number"`
}

// ResearchRecord is a stored research entry read back from the registry.
type ResearchRecord struct {
	Researcher string    `json:"researcher"`
	ResultData string    `json:"result_data"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"session_id"`
}
