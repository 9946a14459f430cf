package local

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/axondata/go-xfermgr/notify"
	"github.com/axondata/go-xfermgr/service"
)

// ErrDecodeRecord indicates a job record could not be decoded
var ErrDecodeRecord = errors.New("xfermgr: cannot decode job record")

// recordVersion is the current on-disk record format version
const recordVersion = 1

// totalBytesUnknown marks an unknown transfer size in the record
const totalBytesUnknown = ^uint64(0)

// Job record layout offsets. The fixed header is followed by five
// length-prefixed strings: owner, url, save path, error context message,
// error message.
const (
	offID               = 0  // bytes 0-15: job id
	offVersion          = 16 // byte 16: record format version
	offState            = 17 // byte 17: job state
	offPriority         = 18 // byte 18: priority
	offProxy            = 19 // byte 19: proxy usage
	offErrorContext     = 20 // byte 20: error context (none = no error)
	offErrorCode        = 21 // bytes 21-24: error status code
	offErrorCount       = 25 // bytes 25-28: error count
	offTransferredFiles = 29 // bytes 29-32: transferred files
	offTotalFiles       = 33 // bytes 33-36: total files
	offTransferredBytes = 37 // bytes 37-44: transferred bytes
	offTotalBytes       = 45 // bytes 45-52: total bytes (all-ones = unknown)
	offCreation         = 53 // bytes 53-60: creation time, unix nanoseconds
	offModification     = 61 // bytes 61-68: modification time, unix nanoseconds
	offCompletion       = 69 // bytes 69-76: completion time (0 = none)
	recordHeaderSize    = 77
)

// record is the persisted form of one job. Records are written atomically
// on every visible change, so another process can recover the job by
// reading the latest record.
type record struct {
	ID       service.JobID
	Owner    string
	URL      string
	SavePath string
	State    service.JobState
	Priority service.Priority
	Proxy    service.ProxyUsage

	ErrorContext        service.ErrorContext
	ErrorCode           notify.Status
	ErrorContextMessage string
	ErrorMessage        string
	ErrorCount          uint32

	TransferredFiles uint32
	TotalFiles       uint32
	TransferredBytes uint64
	TotalBytes       uint64

	Creation     time.Time
	Modification time.Time
	Completion   time.Time
}

// encodeRecord serializes a job record into its binary form
func encodeRecord(r *record) []byte {
	buf := make([]byte, recordHeaderSize, recordHeaderSize+
		len(r.Owner)+len(r.URL)+len(r.SavePath)+
		len(r.ErrorContextMessage)+len(r.ErrorMessage)+10)

	copy(buf[offID:], r.ID[:])
	buf[offVersion] = recordVersion
	buf[offState] = byte(r.State)
	buf[offPriority] = byte(r.Priority)
	buf[offProxy] = byte(r.Proxy)
	buf[offErrorContext] = byte(r.ErrorContext)
	binary.BigEndian.PutUint32(buf[offErrorCode:], uint32(r.ErrorCode))
	binary.BigEndian.PutUint32(buf[offErrorCount:], r.ErrorCount)
	binary.BigEndian.PutUint32(buf[offTransferredFiles:], r.TransferredFiles)
	binary.BigEndian.PutUint32(buf[offTotalFiles:], r.TotalFiles)
	binary.BigEndian.PutUint64(buf[offTransferredBytes:], r.TransferredBytes)
	binary.BigEndian.PutUint64(buf[offTotalBytes:], r.TotalBytes)
	binary.BigEndian.PutUint64(buf[offCreation:], uint64(r.Creation.UnixNano()))
	binary.BigEndian.PutUint64(buf[offModification:], uint64(r.Modification.UnixNano()))
	var completion int64
	if !r.Completion.IsZero() {
		completion = r.Completion.UnixNano()
	}
	binary.BigEndian.PutUint64(buf[offCompletion:], uint64(completion))

	buf = appendString(buf, r.Owner)
	buf = appendString(buf, r.URL)
	buf = appendString(buf, r.SavePath)
	buf = appendString(buf, r.ErrorContextMessage)
	buf = appendString(buf, r.ErrorMessage)
	return buf
}

// decodeRecord parses a binary job record
func decodeRecord(data []byte) (record, error) {
	if len(data) < recordHeaderSize {
		return record{}, fmt.Errorf("%w: expected at least %d bytes, got %d",
			ErrDecodeRecord, recordHeaderSize, len(data))
	}
	if v := data[offVersion]; v != recordVersion {
		return record{}, fmt.Errorf("%w: unknown record version %d", ErrDecodeRecord, v)
	}

	var r record
	copy(r.ID[:], data[offID:offVersion])
	r.State = service.JobState(data[offState])
	r.Priority = service.Priority(data[offPriority])
	r.Proxy = service.ProxyUsage(data[offProxy])
	r.ErrorContext = service.ErrorContext(data[offErrorContext])
	r.ErrorCode = notify.Status(int32(binary.BigEndian.Uint32(data[offErrorCode:])))
	r.ErrorCount = binary.BigEndian.Uint32(data[offErrorCount:])
	r.TransferredFiles = binary.BigEndian.Uint32(data[offTransferredFiles:])
	r.TotalFiles = binary.BigEndian.Uint32(data[offTotalFiles:])
	r.TransferredBytes = binary.BigEndian.Uint64(data[offTransferredBytes:])
	r.TotalBytes = binary.BigEndian.Uint64(data[offTotalBytes:])
	r.Creation = time.Unix(0, int64(binary.BigEndian.Uint64(data[offCreation:])))
	r.Modification = time.Unix(0, int64(binary.BigEndian.Uint64(data[offModification:])))
	if nano := int64(binary.BigEndian.Uint64(data[offCompletion:])); nano != 0 {
		r.Completion = time.Unix(0, nano)
	}

	rest := data[recordHeaderSize:]
	var err error
	for _, dst := range []*string{&r.Owner, &r.URL, &r.SavePath, &r.ErrorContextMessage, &r.ErrorMessage} {
		if *dst, rest, err = takeString(rest); err != nil {
			return record{}, err
		}
	}
	if len(rest) != 0 {
		return record{}, fmt.Errorf("%w: %d trailing bytes", ErrDecodeRecord, len(rest))
	}
	return r, nil
}

// maxRecordString bounds each string field to what the uint16 length prefix
// can carry. Longer fields are clamped rather than wrapped around.
const maxRecordString = 0xFFFF

func appendString(buf []byte, s string) []byte {
	if len(s) > maxRecordString {
		s = s[:maxRecordString]
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func takeString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("%w: truncated string length", ErrDecodeRecord)
	}
	n := int(binary.BigEndian.Uint16(data))
	data = data[2:]
	if len(data) < n {
		return "", nil, fmt.Errorf("%w: string of %d bytes, %d remaining",
			ErrDecodeRecord, n, len(data))
	}
	return string(data[:n]), data[n:], nil
}

// status converts a record into the snapshot the binding reports
func (r *record) status() service.JobStatus {
	st := service.JobStatus{
		State: r.State,
		Progress: service.JobProgress{
			TransferredBytes: r.TransferredBytes,
			TotalFiles:       r.TotalFiles,
			TransferredFiles: r.TransferredFiles,
		},
		ErrorCount: r.ErrorCount,
		Times: service.JobTimes{
			Creation:     r.Creation,
			Modification: r.Modification,
		},
	}
	if r.TotalBytes != totalBytesUnknown {
		total := r.TotalBytes
		st.Progress.TotalBytes = &total
	}
	if !r.Completion.IsZero() {
		completion := r.Completion
		st.Times.TransferCompletion = &completion
	}
	if r.ErrorContext != service.ContextNone {
		st.Error = &service.JobError{
			Context:        r.ErrorContext,
			ContextMessage: r.ErrorContextMessage,
			Status: notify.StatusMessage{
				Code:    r.ErrorCode,
				Message: r.ErrorMessage,
			},
		}
	}
	return st
}
