package model

// Method names a privileged remote operation an execution unit may request.
type Method string

const (
	MethodContextAssociationTest Method = "context_association_test"
	MethodCalculateLLMMetrics    Method = "calculate_llm_metrics"
	MethodAverageLLMMetrics      Method = "average_llm_metrics"
	MethodLLMEvaluateLanguages   Method = "llm_evaluate_languages"
)

// CallArgs carries the arguments of every supported method; each method
// reads only the fields it needs.
type CallArgs struct {
	ModelID    ModelID  `json:"model_id"`
	MaxQueries int      `json:"max_queries,omitempty"`
	Seed       uint32   `json:"seed,omitempty"`
	Shuffle    bool     `json:"shuffle,omitempty"`
	Dataset    string   `json:"dataset,omitempty"`
	Datasets   []string `json:"datasets,omitempty"`
	Languages  []string `json:"languages,omitempty"`
}

// CallRequest is a single-use call descriptor. ID is unique within one run
// and correlates the request with its CallReply.
type CallRequest struct {
	ID     uint64   `json:"id"`
	Method Method   `json:"method"`
	Args   CallArgs `json:"args"`
}

// CallReply answers a CallRequest. JobID is set when the remote call created
// a job.
type CallReply struct {
	ID      uint64 `json:"id"`
	Success bool   `json:"success"`
	JobID   JobID  `json:"job_id,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}
