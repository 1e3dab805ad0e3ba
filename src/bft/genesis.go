package bft

// GenesisBlock returns the well-known round-0 block. Its parent is the
// degenerate genesis QC, its payload is empty, and it carries no signature.
// Every node derives the same genesis block from nSubBlocks alone.
func GenesisBlock(nSubBlocks int) *Block {
	return NewBlock(
		0,
		0,
		QC{Round: 0, Prefix: nSubBlocks, StorageRequirement: 0},
		RoundEntryReason{},
		*NewEmptyPayload(nSubBlocks),
		0,
	)
}

// GenesisQC returns the sentinel full-prefix QC for round 0. It carries no
// real signatures and is considered known, satisfied and committed at node
// start; it justifies entering round 1.
func GenesisQC(nSubBlocks int) *QC {
	return &QC{
		Round:          0,
		BlockDigest:    GenesisBlock(nSubBlocks).Hex(),
		Prefix:         nSubBlocks,
		SignerPrefixes: map[NodeID]int{},
		Signatures:     AggSignature{},
	}
}
