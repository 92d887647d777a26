package db

// TableName is a logical key/value namespace inside the store. The five databases
// of the node (WAL, State, Receipts, Merkle Tree, Priority Tree) are independent
// sets of tables; no cross-database transactions exist.
type TableName string

const (
	// WAL database.
	ReplayRecordTable = TableName("ReplayRecords")
	ReplayTipTable    = TableName("ReplayTip")

	// State database.
	StorageTable      = TableName("Storage")
	PreimageTable     = TableName("Preimages")
	StateVersionTable = TableName("StateVersion")

	// Receipts database. Block diffs are derived data kept for witness
	// generation at batch sealing; both tables are prunable.
	BlockReceiptsTable = TableName("BlockReceipts")
	TxReceiptTable     = TableName("TxReceiptByHash")
	BlockDiffTable     = TableName("BlockDiffs")

	// Merkle tree database.
	TreeNodeTable    = TableName("TreeNodes")
	TreeVersionTable = TableName("TreeVersions")

	// Priority tree database.
	PriorityTxTable       = TableName("PriorityTxs")
	PriorityTreeMetaTable = TableName("PriorityTreeMeta")

	// Batcher database (derived; shares the store with the senders).
	BatchTable      = TableName("Batches")
	BatchIndexTable = TableName("BatchByIndex")
	BatchMetaTable  = TableName("BatchMeta")
)
