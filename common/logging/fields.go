package logging

const (
	// FieldError can be used instead of Err(err) if you have only the error message string.
	FieldError = "err"

	FieldComponent = "component"
	FieldWorker    = "worker"

	FieldDuration = "duration"
	FieldUrl      = "url"

	FieldBlockHash     = "blockHash"
	FieldBlockNumber   = "blockNumber"
	FieldBatchId       = "batchId"
	FieldBatchIndex    = "batchIndex"
	FieldBatchStatus   = "batchStatus"
	FieldTxHash        = "txHash"
	FieldPriorityIndex = "priorityIndex"
	FieldStateRoot     = "stateRoot"
	FieldPhase         = "phase"

	FieldL1TxHash      = "l1TxHash"
	FieldL1BlockNumber = "l1BlockNumber"
)
