package qjournal

// Processor turns a decoded wire request into a response, dispatching
// through the journal dispatch loop via a ServerProcessor/ProcessorProxy
// split; there is no fast-path hook (no heartbeat RPC needs one) and no
// io.Reader parameter (no streaming install-snapshot-style request).
type Processor interface {
	Do(typ rpcType, req interface{}) (interface{}, error)
}

// ProcessorProxy deserializes the wire bytes for a given rpcType,
// hands the typed request to the inner Processor, then serializes the
// response back to wire bytes.
type ProcessorProxy struct {
	Processor
}

// rpcEnvelope is what actually crosses the wire for every RPC.
// memRPC can just pass a Go error value across an in-process channel,
// but NetTransport has to serialize a failure the same way it
// serializes a success so the caller reconstructs the exact typed
// error instead of the connection simply dying.
type rpcEnvelope struct {
	Body []byte
	Fail *wireError
}

// ServerProcessor forwards every decoded request onto cmdChan and
// blocks for the journal dispatch loop's answer; it never interprets
// the request itself.
type ServerProcessor struct {
	cmdChan chan *RPC
}

func newProcessorProxy(cmdCh chan *RPC) Processor {
	return &ProcessorProxy{
		Processor: &ServerProcessor{cmdChan: cmdCh},
	}
}

func (d *ServerProcessor) Do(typ rpcType, req interface{}) (interface{}, error) {
	rpc := &RPC{
		RpcType:  typ,
		Request:  req,
		Response: make(chan RPCResult, 1),
	}
	d.cmdChan <- rpc
	result := <-rpc.Response
	return result.Response, result.Err
}

// Do decodes the wire request and always produces wire bytes in
// return, even when the inner Processor rejects the call: a domain
// failure is carried inside the returned rpcEnvelope rather than
// surfaced as a Go error, so handleConn still has a response to write
// back instead of just dropping the connection. Do only returns an
// error itself for a malformed frame it cannot even interpret
// (unknown rpcType, corrupt request bytes).
func (p *ProcessorProxy) Do(cmdType rpcType, reqBytes interface{}) (interface{}, error) {
	data := reqBytes.([]byte)
	req, err := newRequest(cmdType)
	if err != nil {
		return nil, err
	}
	if err := defaultCmdConverter.Deserialization(data, req); err != nil {
		return nil, err
	}

	resp, doErr := p.Processor.Do(cmdType, req)
	var env rpcEnvelope
	if doErr != nil {
		env.Fail = encodeWireError(doErr)
	} else {
		body, err := defaultCmdConverter.Serialization(resp)
		if err != nil {
			return nil, err
		}
		env.Body = body
	}
	return defaultCmdConverter.Serialization(&env)
}

func newRequest(cmdType rpcType) (interface{}, error) {
	switch cmdType {
	case RpcGetJournalState:
		return new(GetJournalStateRequest), nil
	case RpcNewEpoch:
		return new(NewEpochRequest), nil
	case RpcStartLogSegment:
		return new(StartLogSegmentRequest), nil
	case RpcJournal:
		return new(JournalRequest), nil
	case RpcFinalizeLogSegment:
		return new(FinalizeLogSegmentRequest), nil
	case RpcPrepareRecovery:
		return new(PrepareRecoveryRequest), nil
	case RpcAcceptRecovery:
		return new(AcceptRecoveryRequest), nil
	default:
		return nil, errUnrecognizedRequest
	}
}
