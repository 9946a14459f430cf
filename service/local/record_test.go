package local

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/axondata/go-xfermgr/notify"
	"github.com/axondata/go-xfermgr/service"
)

func sampleRecord() record {
	now := time.Unix(0, time.Now().UnixNano())
	return record{
		ID:               service.NewJobID(),
		Owner:            "updater",
		URL:              "https://example.com/payload.bin",
		SavePath:         "/var/cache/app/payload.bin",
		State:            service.StateTransferring,
		Priority:         service.PriorityForeground,
		Proxy:            service.ProxyAutoDetect,
		TransferredFiles: 0,
		TotalFiles:       1,
		TransferredBytes: 4096,
		TotalBytes:       1 << 20,
		Creation:         now.Add(-time.Minute),
		Modification:     now,
	}
}

func TestRecordRoundTrip(t *testing.T) {
	want := sampleRecord()
	got, err := decodeRecord(encodeRecord(&want))
	if err != nil {
		t.Fatalf("decodeRecord failed: %v", err)
	}
	if got != want {
		t.Fatalf("round trip differs:\n got %+v\nwant %+v", got, want)
	}
}

func TestRecordRoundTripWithError(t *testing.T) {
	want := sampleRecord()
	want.State = service.StateError
	want.ErrorContext = service.ContextTransport
	want.ErrorCode = notify.StatusFail
	want.ErrorContextMessage = "downloading " + want.URL
	want.ErrorMessage = "connection reset"
	want.ErrorCount = 3
	want.Completion = time.Unix(0, time.Now().UnixNano())

	got, err := decodeRecord(encodeRecord(&want))
	if err != nil {
		t.Fatalf("decodeRecord failed: %v", err)
	}
	if got != want {
		t.Fatalf("round trip differs:\n got %+v\nwant %+v", got, want)
	}
}

func TestDecodeRecordErrors(t *testing.T) {
	valid := encodeRecord(&record{TotalBytes: totalBytesUnknown})

	badVersion := append([]byte(nil), valid...)
	badVersion[offVersion] = 99

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"short header", valid[:recordHeaderSize-1]},
		{"unknown version", badVersion},
		{"truncated strings", valid[:recordHeaderSize+1]},
		{"trailing bytes", append(append([]byte(nil), valid...), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeRecord(tt.data); !errors.Is(err, ErrDecodeRecord) {
				t.Fatalf("decodeRecord returned %v, want ErrDecodeRecord", err)
			}
		})
	}
}

func TestEncodeRecordClampsLongStrings(t *testing.T) {
	want := sampleRecord()
	want.URL = "https://example.com/" + strings.Repeat("a", 70000)

	got, err := decodeRecord(encodeRecord(&want))
	if err != nil {
		t.Fatalf("decodeRecord failed: %v", err)
	}
	if len(got.URL) != maxRecordString {
		t.Fatalf("clamped URL length = %d, want %d", len(got.URL), maxRecordString)
	}
	if got.URL != want.URL[:maxRecordString] {
		t.Fatal("clamped URL is not a prefix of the original")
	}
	got.URL = want.URL
	if got != want {
		t.Fatalf("non-string fields changed:\n got %+v\nwant %+v", got, want)
	}
}

func TestRecordStatusConversion(t *testing.T) {
	rec := sampleRecord()
	rec.TotalBytes = totalBytesUnknown
	st := rec.status()
	if st.Progress.TotalBytes != nil {
		t.Fatal("unknown total bytes converted to a concrete total")
	}
	if st.Error != nil {
		t.Fatal("record without error context produced a job error")
	}

	rec.TotalBytes = 100
	rec.ErrorContext = service.ContextRemoteFile
	rec.ErrorCode = notify.StatusFail
	rec.ErrorMessage = "404"
	rec.Completion = time.Now()
	st = rec.status()
	if st.Progress.TotalBytes == nil || *st.Progress.TotalBytes != 100 {
		t.Fatalf("total bytes = %v, want 100", st.Progress.TotalBytes)
	}
	if st.Error == nil || st.Error.Context != service.ContextRemoteFile || st.Error.Status.Code != notify.StatusFail {
		t.Fatalf("job error = %+v", st.Error)
	}
	if st.Times.TransferCompletion == nil {
		t.Fatal("completion time lost in conversion")
	}
}

// FuzzDecodeRecord checks that arbitrary input never panics the decoder and
// that valid records survive a re-encode.
func FuzzDecodeRecord(f *testing.F) {
	sample := sampleRecord()
	f.Add(encodeRecord(&sample))
	withErr := sample
	withErr.ErrorContext = service.ContextTransport
	withErr.ErrorMessage = "reset"
	f.Add(encodeRecord(&withErr))
	f.Add(make([]byte, recordHeaderSize))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		rec, err := decodeRecord(data)
		if err != nil {
			return
		}
		again, err := decodeRecord(encodeRecord(&rec))
		if err != nil {
			t.Fatalf("re-decode of a valid record failed: %v", err)
		}
		if again != rec {
			t.Fatalf("re-encode changed the record:\n got %+v\nwant %+v", again, rec)
		}
	})
}
