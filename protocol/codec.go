package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrFrameTooLarge is returned when an encoded value exceeds its frame
// bound.
var ErrFrameTooLarge = errors.New("xfermgr: frame exceeds size limit")

// EncodeRequest marshals req into a single frame, enforcing MaxRequest.
func EncodeRequest(req *Request) ([]byte, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	buf, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if len(buf) > MaxRequest {
		return nil, ErrFrameTooLarge
	}
	return buf, nil
}

// DecodeRequest unmarshals one frame into a request and checks that the
// payload matches the command tag.
func DecodeRequest(buf []byte) (*Request, error) {
	if len(buf) > MaxRequest {
		return nil, ErrFrameTooLarge
	}
	var req Request
	if err := json.Unmarshal(buf, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// EncodeResponse marshals resp into a single frame, enforcing MaxResponse.
func EncodeResponse(resp *Response) ([]byte, error) {
	if err := resp.validate(); err != nil {
		return nil, err
	}
	buf, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	if len(buf) > MaxResponse {
		return nil, ErrFrameTooLarge
	}
	return buf, nil
}

// DecodeResponse unmarshals one frame into a response and checks that the
// payload matches the command tag and outcome.
func DecodeResponse(buf []byte) (*Response, error) {
	if len(buf) > MaxResponse {
		return nil, ErrFrameTooLarge
	}
	var resp Response
	if err := json.Unmarshal(buf, &resp); err != nil {
		return nil, err
	}
	if err := resp.validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EncodeStatus marshals one monitor snapshot, enforcing MaxResponse.
func EncodeStatus(st *JobStatus) ([]byte, error) {
	buf, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	if len(buf) > MaxResponse {
		return nil, ErrFrameTooLarge
	}
	return buf, nil
}

// DecodeStatus unmarshals one monitor snapshot frame.
func DecodeStatus(buf []byte) (*JobStatus, error) {
	if len(buf) > MaxResponse {
		return nil, ErrFrameTooLarge
	}
	var st JobStatus
	if err := json.Unmarshal(buf, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *Request) validate() error {
	n := 0
	set := func(ok bool, kind CommandKind) {
		if ok {
			n++
			if r.Kind != kind {
				n = -1
			}
		}
	}
	set(r.Start != nil, CmdStartJob)
	set(r.Monitor != nil, CmdMonitorJob)
	set(r.Suspend != nil, CmdSuspendJob)
	set(r.Resume != nil, CmdResumeJob)
	set(r.SetPriority != nil, CmdSetJobPriority)
	set(r.SetInterval != nil, CmdSetUpdateInterval)
	set(r.Complete != nil, CmdCompleteJob)
	set(r.Cancel != nil, CmdCancelJob)
	if _, known := allowedFailures[r.Kind]; !known {
		return fmt.Errorf("xfermgr: unknown command %q", r.Kind)
	}
	if n != 1 {
		return fmt.Errorf("xfermgr: malformed %s request payload", r.Kind)
	}
	return nil
}

func (r *Response) validate() error {
	if _, known := allowedFailures[r.Kind]; !known {
		return fmt.Errorf("xfermgr: unknown command %q", r.Kind)
	}
	if r.OK {
		if r.Failure != nil {
			return fmt.Errorf("xfermgr: %s success carries a failure payload", r.Kind)
		}
		if (r.Start != nil) != (r.Kind == CmdStartJob) {
			return fmt.Errorf("xfermgr: malformed %s success payload", r.Kind)
		}
		return nil
	}
	if r.Start != nil {
		return fmt.Errorf("xfermgr: %s failure carries a success payload", r.Kind)
	}
	if r.Failure == nil {
		return fmt.Errorf("xfermgr: %s failure without a failure payload", r.Kind)
	}
	if !AllowedFailure(r.Kind, r.Failure.Kind) {
		return fmt.Errorf("xfermgr: failure kind %q not valid for %s", r.Failure.Kind, r.Kind)
	}
	return nil
}
