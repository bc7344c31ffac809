package wire

import "github.com/chapterhouse/distqe/cmn/cos"

// Message kind ids, spec.md §6 "Message kinds (enumerated)". Values
// are stable across header_version bumps; new kinds are appended, not
// inserted, so old binaries degrade to ErrBadKind rather than
// misreading a later kind's payload as an earlier one.
const (
	KindPing uint16 = 100 + iota
	KindPong
	KindIdentify
	KindGenericResponse

	KindRunQuery
	KindRunQueryResp

	KindGetQueryStatus
	KindGetQueryStatusResp

	KindGetQueryData
	KindGetQueryDataResp

	KindOperatorInstanceAvailableNotification
	KindOperatorInstanceAvailableNotificationResponse

	KindOperatorInstanceAssign
	KindOperatorInstanceAssignAccepted
	KindOperatorInstanceAssignRejected

	KindListOperatorInstancesRequest
	KindListOperatorInstancesResponse

	KindOperatorInstanceStatusChangeComplete
	KindOperatorInstanceStatusChangeError

	KindOperatorShutdownImmediate

	KindGetNextRecord
	KindGetNextRecordResponse

	KindCompletedRecordProcessing
	KindExchangeOperatorStatusChangeCompleted

	// KindPutRecord/KindPutRecordResponse: the producer-side half of
	// the exchange protocol (spec.md §9 notes the backpressure policy
	// is "referenced but not implemented in the source" and requires
	// an implementer's choice). A producer pushes one record at a
	// time and the exchange answers Accepted or BufferFull, never
	// silently dropping.
	KindPutRecord
	KindPutRecordResponse
)

func init() {
	Register(KindPing, PingPayload{})
	Register(KindPong, PongPayload{})
	Register(KindIdentify, IdentifyPayload{})
	Register(KindGenericResponse, GenericResponsePayload{})

	Register(KindRunQuery, RunQueryPayload{})
	Register(KindRunQueryResp, RunQueryRespPayload{})

	Register(KindGetQueryStatus, GetQueryStatusPayload{})
	Register(KindGetQueryStatusResp, GetQueryStatusRespPayload{})

	Register(KindGetQueryData, GetQueryDataPayload{})
	Register(KindGetQueryDataResp, GetQueryDataRespPayload{})

	Register(KindOperatorInstanceAvailableNotification, OperatorInstanceAvailableNotificationPayload{})
	Register(KindOperatorInstanceAvailableNotificationResponse, OperatorInstanceAvailableNotificationResponsePayload{})

	Register(KindOperatorInstanceAssign, OperatorInstanceAssignPayload{})
	Register(KindOperatorInstanceAssignAccepted, OperatorInstanceAssignAcceptedPayload{})
	Register(KindOperatorInstanceAssignRejected, OperatorInstanceAssignRejectedPayload{})

	Register(KindListOperatorInstancesRequest, ListOperatorInstancesRequestPayload{})
	Register(KindListOperatorInstancesResponse, ListOperatorInstancesResponsePayload{})

	Register(KindOperatorInstanceStatusChangeComplete, OperatorInstanceStatusChangeCompletePayload{})
	Register(KindOperatorInstanceStatusChangeError, OperatorInstanceStatusChangeErrorPayload{})

	Register(KindOperatorShutdownImmediate, OperatorShutdownImmediatePayload{})

	Register(KindGetNextRecord, GetNextRecordPayload{})
	Register(KindGetNextRecordResponse, GetNextRecordResponsePayload{})

	Register(KindCompletedRecordProcessing, CompletedRecordProcessingPayload{})
	Register(KindExchangeOperatorStatusChangeCompleted, ExchangeOperatorStatusChangeCompletedPayload{})

	Register(KindPutRecord, PutRecordPayload{})
	Register(KindPutRecordResponse, PutRecordResponsePayload{})
}

// Compute mirrors config.Compute on the wire (spec.md §3
// TotalOperatorCompute components), kept copy-free of cmn/config so
// wire has no dependency on the CLI layer.
type Compute struct {
	Instances      int `json:"instances"`
	MemoryMiB      int `json:"memory_mib"`
	CPUThousandths int `json:"cpu_thousandths"`
}

// StatusOnWire is the flattened wire form of queryhandler's Status
// enum (Queued | Running | Complete | Error(text) | SentShutdown(ts)).
type StatusOnWire struct {
	Kind      string `json:"kind"` // "queued" | "running" | "complete" | "error" | "sent_shutdown"
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix nanos, SentShutdown only
}

type PingPayload struct{}

type PongPayload struct {
	WorkerID cos.UUID128 `json:"worker_id"`
}

// IdentifyKind discriminates the Identify handshake's two forms.
type IdentifyKind string

const (
	IdentifyWorker     IdentifyKind = "worker"
	IdentifyConnection IdentifyKind = "connection"
)

type IdentifyPayload struct {
	Kind  IdentifyKind `json:"kind"`
	ID    cos.UUID128  `json:"id"`
	Token string       `json:"token,omitempty"` // optional JWT, --cluster-secret
}

type GenericResponsePayload struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type RunQueryPayload struct {
	SQL string `json:"sql"`
}

type RunQueryRespPayload struct {
	Created bool        `json:"created"`
	QueryID cos.UUID128 `json:"query_id,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type GetQueryStatusPayload struct {
	QueryID cos.UUID128 `json:"query_id"`
}

type GetQueryStatusRespPayload struct {
	Found  bool         `json:"found"`
	Status StatusOnWire `json:"status,omitempty"`
}

type GetQueryDataPayload struct {
	QueryID     cos.UUID128 `json:"query_id"`
	FileIdx     uint64      `json:"file_idx"`
	RowGroupIdx uint64      `json:"row_group_idx"`
	RowIdx      uint64      `json:"row_idx"`
	Limit       uint64      `json:"limit"`
	Forward     bool        `json:"forward"`
}

// RowPosition is the record-offset triple of spec.md's GLOSSARY
// ("Record offset"): (file_idx, row_group_idx, row_idx).
type RowPosition struct {
	FileIdx     uint64 `json:"file_idx"`
	RowGroupIdx uint64 `json:"row_group_idx"`
	RowIdx      uint64 `json:"row_idx"`
}

// GetQueryDataOutcome discriminates the four response variants spec.md
// §4.8 names explicitly: "Record { batch, offsets } | RecordRowGroupNotFound
// | ReachedEndOfFiles | Error { err }".
type GetQueryDataOutcome int

const (
	GetQueryDataRecord GetQueryDataOutcome = iota
	GetQueryDataRowGroupNotFound
	GetQueryDataReachedEndOfFiles
	GetQueryDataError
)

// GetQueryDataRespPayload carries exactly one outcome. Data is a
// recbatch.Batch, JSON-encoded by recbatch.Marshal, populated only for GetQueryDataRecord;
// Offsets has exactly Data's num_rows() entries in result order
// (spec.md §4.8 "the offsets list has exactly batch.num_rows() entries").
type GetQueryDataRespPayload struct {
	Outcome GetQueryDataOutcome `json:"outcome"`
	Data    []byte              `json:"data,omitempty"`
	Offsets []RowPosition       `json:"offsets,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// OperatorInstanceAvailableNotificationPayload is broadcast once, by
// the query-handler worker, the moment a query is created: "a new
// query exists, how much spare compute can you offer toward it?"
type OperatorInstanceAvailableNotificationPayload struct {
	QueryID cos.UUID128 `json:"query_id"`
}

type OperatorInstanceAvailableNotificationResponsePayload struct {
	QueryID   cos.UUID128 `json:"query_id"`
	WorkerID  cos.UUID128 `json:"worker_id"`
	Remaining Compute     `json:"remaining"`
}

type OperatorInstanceAssignPayload struct {
	QueryID      cos.UUID128 `json:"query_id"`
	OperatorID   string      `json:"operator_id"`
	OperatorKind string      `json:"operator_kind"`
	InstanceID   cos.UUID128 `json:"instance_id"`
	Cost         Compute     `json:"cost"`
	// SourceOperatorID is the plan-declared upstream operator id for
	// Exchange/Materialize kinds (planner.Operator.SourceOperatorID);
	// empty for Producer.
	SourceOperatorID string `json:"source_operator_id,omitempty"`
	// OutboundExchangeID is the plan-declared downstream exchange id
	// for Producer kinds (planner.Operator.OutboundExchangeID); empty
	// otherwise.
	OutboundExchangeID string `json:"outbound_exchange_id,omitempty"`
	Params             []byte `json:"params,omitempty"` // operator-kind-specific, json-encoded
}

type OperatorInstanceAssignAcceptedPayload struct {
	InstanceID cos.UUID128 `json:"instance_id"`
}

type OperatorInstanceAssignRejectedPayload struct {
	InstanceID cos.UUID128 `json:"instance_id"`
	Error      string      `json:"error"`
}

type ListOperatorInstancesRequestPayload struct {
	QueryID    cos.UUID128 `json:"query_id"`
	OperatorID string      `json:"operator_id"`
}

type OperatorInstanceLocation struct {
	InstanceID cos.UUID128 `json:"instance_id"`
	WorkerID   cos.UUID128 `json:"worker_id"`
}

type ListOperatorInstancesResponsePayload struct {
	Instances []OperatorInstanceLocation `json:"instances"`
}

type OperatorInstanceStatusChangeCompletePayload struct {
	InstanceID cos.UUID128 `json:"instance_id"`
}

type OperatorInstanceStatusChangeErrorPayload struct {
	InstanceID cos.UUID128 `json:"instance_id"`
	Error      string      `json:"error"`
}

type OperatorShutdownImmediatePayload struct {
	InstanceID cos.UUID128 `json:"instance_id"`
}

type GetNextRecordPayload struct {
	ConsumerOperatorID cos.UUID128 `json:"consumer_operator_id"`
}

type GetNextRecordResponsePayload struct {
	NoneLeft bool        `json:"none_left"`
	RecordID cos.UUID128 `json:"record_id,omitempty"`
	Data     []byte      `json:"data,omitempty"` // recbatch.Batch, JSON-encoded by recbatch.Marshal
}

type CompletedRecordProcessingPayload struct {
	ConsumerOperatorID cos.UUID128 `json:"consumer_operator_id"`
	RecordID           cos.UUID128 `json:"record_id"`
}

type ExchangeOperatorStatusChangeCompletedPayload struct {
	QueryID    cos.UUID128 `json:"query_id"`
	OperatorID string      `json:"operator_id"`
}

type PutRecordPayload struct {
	ProducerOperatorID string      `json:"producer_operator_id"`
	RecordID           cos.UUID128 `json:"record_id"`
	Data               []byte      `json:"data"` // recbatch.Batch, JSON-encoded by recbatch.Marshal
}

type PutRecordResponsePayload struct {
	Accepted   bool `json:"accepted"`
	BufferFull bool `json:"buffer_full"`
}
