// Package control implements exclusive-control arbitration of the
// microscope: the request/response protocol, the Client used by automated
// components and UIs, and the Router that decides who may drive the device.
package control

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/wire"
)

// RequestKind identifies a control request.
type RequestKind int

// Request kinds
const (
	ReqUndefined RequestKind = iota
	ReqStartScan
	ReqStopScan
	ReqStartSpec
	ReqStopSpec
	ReqSetScanParams
	ReqSetProbePos
	ReqSetZCtrlParams
	ReqParam
	ReqRequestCtrl
	ReqReleaseCtrl
	ReqAddExpProblem
	ReqRemoveExpProblem
	ReqSetControlMode
	ReqEndExperiment
)

var requestNames = map[RequestKind]string{
	ReqUndefined:        "REQ_UNDEFINED",
	ReqStartScan:        "REQ_START_SCAN",
	ReqStopScan:         "REQ_STOP_SCAN",
	ReqStartSpec:        "REQ_START_SPEC",
	ReqStopSpec:         "REQ_STOP_SPEC",
	ReqSetScanParams:    "REQ_SET_SCAN_PARAMS",
	ReqSetProbePos:      "REQ_SET_PROBE_POS",
	ReqSetZCtrlParams:   "REQ_SET_ZCTRL_PARAMS",
	ReqParam:            "REQ_PARAM",
	ReqRequestCtrl:      "REQ_REQUEST_CTRL",
	ReqReleaseCtrl:      "REQ_RELEASE_CTRL",
	ReqAddExpProblem:    "REQ_ADD_EXP_PRBLM",
	ReqRemoveExpProblem: "REQ_RMV_EXP_PRBLM",
	ReqSetControlMode:   "REQ_SET_CONTROL_MODE",
	ReqEndExperiment:    "REQ_END_EXPERIMENT",
}

func (k RequestKind) String() string {
	if name, ok := requestNames[k]; ok {
		return name
	}
	return fmt.Sprintf("REQ_%d", int(k))
}

// ParseRequestKind parses a wire name such as "REQ_START_SCAN".
func ParseRequestKind(s string) (RequestKind, error) {
	for k, name := range requestNames {
		if name == s && k != ReqUndefined {
			return k, nil
		}
	}
	return ReqUndefined, fmt.Errorf("unknown request %q", s)
}

// IsDeviceCommand reports whether the router forwards this kind to the
// device server. Device commands require control.
func (k RequestKind) IsDeviceCommand() bool {
	switch k {
	case ReqStartScan, ReqStopScan, ReqStartSpec, ReqStopSpec,
		ReqSetScanParams, ReqSetProbePos, ReqSetZCtrlParams, ReqParam:
		return true
	}
	return false
}

// ResponseCode is the outcome of a request.
type ResponseCode int

// Response codes
const (
	RepSuccess ResponseCode = iota
	RepNotInControl
	RepNotFree
	RepParamNotSupported
	RepActionNotSupported
	RepParamError
	RepActionError
	RepNoResponse
	RepCmdNotSupported
	RepAlreadyUnderControl
	RepParamInvalid
)

var responseNames = map[ResponseCode]string{
	RepSuccess:             "REP_SUCCESS",
	RepNotInControl:        "REP_NOT_IN_CONTROL",
	RepNotFree:             "REP_NOT_FREE",
	RepParamNotSupported:   "REP_PARAM_NOT_SUPPORTED",
	RepActionNotSupported:  "REP_ACTION_NOT_SUPPORTED",
	RepParamError:          "REP_PARAM_ERROR",
	RepActionError:         "REP_ACTION_ERROR",
	RepNoResponse:          "REP_NO_RESPONSE",
	RepCmdNotSupported:     "REP_CMD_NOT_SUPPORTED",
	RepAlreadyUnderControl: "REP_ALREADY_UNDER_CONTROL",
	RepParamInvalid:        "REP_PARAM_INVALID",
}

func (c ResponseCode) String() string {
	if name, ok := responseNames[c]; ok {
		return name
	}
	return fmt.Sprintf("REP_%d", int(c))
}

// Request is one control request. Payload carries parameters for the
// set/param kinds, Mode is used by REQ_REQUEST_CTRL and
// REQ_SET_CONTROL_MODE, Problem by the problem kinds.
type Request struct {
	Kind    RequestKind
	Payload message.Payload
	Mode    message.ControlMode
	Problem message.ExperimentProblem
}

func (r Request) String() string {
	return r.Kind.String()
}

// Response answers a Request. Payload is set for REQ_PARAM.
type Response struct {
	Code    ResponseCode
	Payload message.Payload
}

// OK reports whether the request succeeded.
func (r Response) OK() bool {
	return r.Code == RepSuccess
}

// Reply builds a payload-less response.
func Reply(code ResponseCode) Response {
	return Response{Code: code}
}

type requestFrame struct {
	Client  string                    `cbor:"1,keyasint"`
	Kind    RequestKind               `cbor:"2,keyasint"`
	Mode    message.ControlMode       `cbor:"3,keyasint,omitempty"`
	Problem message.ExperimentProblem `cbor:"4,keyasint,omitempty"`
	Type    string                    `cbor:"5,keyasint,omitempty"`
	Payload []byte                    `cbor:"6,keyasint,omitempty"`
}

type responseFrame struct {
	Code    ResponseCode `cbor:"1,keyasint"`
	Type    string       `cbor:"2,keyasint,omitempty"`
	Payload []byte       `cbor:"3,keyasint,omitempty"`
}

// Codec encodes request and response frames. Payload objects use the wire
// codec; the frame itself is CBOR.
type Codec struct {
	payload wire.Codec
}

// NewCodec returns a Codec; a nil payload codec selects JSON.
func NewCodec(payload wire.Codec) Codec {
	if payload == nil {
		payload = wire.JSON{}
	}
	return Codec{payload: payload}
}

func (c Codec) codec() wire.Codec {
	if c.payload == nil {
		return wire.JSON{}
	}
	return c.payload
}

func (c Codec) encodePayload(p message.Payload) (string, []byte, error) {
	if p == nil {
		return "", nil, nil
	}
	data, err := c.codec().Marshal(p)
	if err != nil {
		return "", nil, errors.WrapInvalid(err, "control.Codec", "encodePayload", "marshal "+p.MessageType())
	}
	return p.MessageType(), data, nil
}

func (c Codec) decodePayload(typ string, data []byte) (message.Payload, error) {
	if typ == "" {
		return nil, nil
	}
	p := message.Factory(typ)
	if p == nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedMessage, "control.Codec", "decodePayload",
			fmt.Sprintf("unknown payload type %q", typ))
	}
	if err := c.codec().Unmarshal(data, p); err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedMessage, "control.Codec", "decodePayload", err.Error())
	}
	return p, nil
}

// EncodeRequest serializes req sent by client.
func (c Codec) EncodeRequest(client string, req Request) ([]byte, error) {
	typ, payload, err := c.encodePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(requestFrame{
		Client:  client,
		Kind:    req.Kind,
		Mode:    req.Mode,
		Problem: req.Problem,
		Type:    typ,
		Payload: payload,
	})
}

// DecodeRequest parses a request frame.
func (c Codec) DecodeRequest(data []byte) (string, Request, error) {
	var f requestFrame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return "", Request{}, errors.WrapInvalid(errors.ErrMalformedMessage, "control.Codec", "DecodeRequest", err.Error())
	}
	payload, err := c.decodePayload(f.Type, f.Payload)
	if err != nil {
		return "", Request{}, err
	}
	return f.Client, Request{Kind: f.Kind, Payload: payload, Mode: f.Mode, Problem: f.Problem}, nil
}

// EncodeResponse serializes rep.
func (c Codec) EncodeResponse(rep Response) ([]byte, error) {
	typ, payload, err := c.encodePayload(rep.Payload)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(responseFrame{Code: rep.Code, Type: typ, Payload: payload})
}

// DecodeResponse parses a response frame.
func (c Codec) DecodeResponse(data []byte) (Response, error) {
	var f responseFrame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return Response{}, errors.WrapInvalid(errors.ErrMalformedMessage, "control.Codec", "DecodeResponse", err.Error())
	}
	payload, err := c.decodePayload(f.Type, f.Payload)
	if err != nil {
		return Response{}, err
	}
	return Response{Code: f.Code, Payload: payload}, nil
}
