// Package protocol defines the JSON wire envelope shared by the
// client-facing gateway and the upstream adapters. Both sides of the
// balancer speak the same envelope and message types; only the
// job_id rewriting at the balancer boundary differs, and that lives in
// the job/dispatch packages, not here.
package protocol

import "encoding/json"

// ProtocolVersion is the highest prot_ver this balancer accepts.
const ProtocolVersion = 1

// Message type discriminators. Values are stable across the wire and must
// not be renumbered.
const (
	MsgTransJobReq  = 1
	MsgTransJobResp = 2
	MsgSuppLangReq  = 3
	MsgSuppLangResp = 4
)

// Envelope is the outer shape every message shares. Payload fields for a
// given msg_type are embedded at the top level on the wire (flat JSON), so
// Envelope is decoded first to learn prot_ver/msg_type, then the raw bytes
// are re-decoded into the concrete message type.
type Envelope struct {
	ProtVer uint `json:"prot_ver"`
	MsgType int  `json:"msg_type"`
}

// PeekEnvelope decodes only prot_ver/msg_type from raw, leaving the rest
// of the payload to be decoded by the caller once the type is known.
func PeekEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Sentence is one entry of target_data on a response. Requests carry
// source_sentences as plain strings.
type Sentence struct {
	StatusCode int    `json:"status_code"`
	StatusMsg  string `json:"status_msg,omitempty"`
	TransText  string `json:"trans_text,omitempty"`
	StackLoad  []int  `json:"stack_load,omitempty"`
}

// TransJobReq is TRANS_JOB_REQ: a translation request, from client to
// balancer or from balancer to upstream (after job_id rewriting).
type TransJobReq struct {
	ProtVer         uint     `json:"prot_ver"`
	MsgType         int      `json:"msg_type"`
	JobID           uint64   `json:"job_id"`
	Priority        int32    `json:"priority"`
	SourceLang      string   `json:"source_lang"`
	TargetLang      string   `json:"target_lang"`
	IsTransInfo     bool     `json:"is_trans_info"`
	SourceSentences []string `json:"source_sentences"`
}

// NewTransJobReq builds a well-formed TRANS_JOB_REQ envelope.
func NewTransJobReq(jobID uint64, priority int32, srcLang, tgtLang string, isInfo bool, sentences []string) TransJobReq {
	return TransJobReq{
		ProtVer:         ProtocolVersion,
		MsgType:         MsgTransJobReq,
		JobID:           jobID,
		Priority:        priority,
		SourceLang:      srcLang,
		TargetLang:      tgtLang,
		IsTransInfo:     isInfo,
		SourceSentences: sentences,
	}
}

// TransJobResp is TRANS_JOB_RESP: a translation response, from upstream to
// balancer or from balancer to client (after job_id restoration).
type TransJobResp struct {
	ProtVer    uint       `json:"prot_ver"`
	MsgType    int        `json:"msg_type"`
	JobID      uint64     `json:"job_id"`
	TargetData []Sentence `json:"target_data"`
}

// NewTransJobResp builds a well-formed TRANS_JOB_RESP envelope.
func NewTransJobResp(jobID uint64, sentences []Sentence) TransJobResp {
	return TransJobResp{
		ProtVer:    ProtocolVersion,
		MsgType:    MsgTransJobResp,
		JobID:      jobID,
		TargetData: sentences,
	}
}

// ErrorResp builds a TRANS_JOB_RESP where every sentence carries the given
// non-zero status code and msg, matching the NoRouteError/UpstreamSendError/
// UpstreamDisconnected treatment in the error handling design: one failed
// sentence per originally requested sentence.
func ErrorResp(jobID uint64, statusCode int, msg string, sentenceCount int) TransJobResp {
	if sentenceCount < 1 {
		sentenceCount = 1
	}
	sentences := make([]Sentence, sentenceCount)
	for i := range sentences {
		sentences[i] = Sentence{StatusCode: statusCode, StatusMsg: msg}
	}
	return NewTransJobResp(jobID, sentences)
}

// SuppLangReq is SUPP_LANG_REQ: a capability query, no payload fields.
type SuppLangReq struct {
	ProtVer uint `json:"prot_ver"`
	MsgType int  `json:"msg_type"`
}

// NewSuppLangReq builds a well-formed SUPP_LANG_REQ envelope.
func NewSuppLangReq() SuppLangReq {
	return SuppLangReq{ProtVer: ProtocolVersion, MsgType: MsgSuppLangReq}
}

// SuppLangResp is SUPP_LANG_RESP: the aggregated supported-languages view.
type SuppLangResp struct {
	ProtVer   uint                `json:"prot_ver"`
	MsgType   int                 `json:"msg_type"`
	Languages map[string][]string `json:"languages"`
}

// NewSuppLangResp builds a well-formed SUPP_LANG_RESP envelope.
func NewSuppLangResp(languages map[string][]string) SuppLangResp {
	return SuppLangResp{ProtVer: ProtocolVersion, MsgType: MsgSuppLangResp, Languages: languages}
}
