package protocol

import (
	"errors"
	"testing"
)

func TestPeekType(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    MessageType
		wantErr bool
	}{
		{name: "register", data: `{"type":"register","node_id":"n1"}`, want: TypeRegister},
		{name: "pong", data: `{"type":"pong"}`, want: TypePong},
		{name: "unknown type passes through", data: `{"type":"bogus"}`, want: "bogus"},
		{name: "missing type", data: `{"node_id":"n1"}`, wantErr: true},
		{name: "not json", data: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PeekType([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Errorf("PeekType() error = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("PeekType() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("PeekType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJobResultValidate(t *testing.T) {
	tests := []struct {
		name    string
		result  JobResult
		wantErr bool
	}{
		{name: "success", result: JobResult{JobID: "j", Status: ResultSuccess}},
		{name: "failed", result: JobResult{JobID: "j", Status: ResultFailed, Error: "oom"}},
		{name: "no job id", result: JobResult{Status: ResultSuccess}, wantErr: true},
		{name: "bad status", result: JobResult{JobID: "j", Status: "done"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.result.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeSetsType(t *testing.T) {
	data, err := Encode(NewJobDispatch("j1", "llama3", []byte(`{"prompt":"hi"}`)))
	if err != nil {
		t.Fatal(err)
	}
	typ, err := PeekType(data)
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeJobDispatch {
		t.Errorf("type = %q, want %q", typ, TypeJobDispatch)
	}

	var got JobDispatch
	if err := Decode(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.JobID != "j1" || string(got.Payload) != `{"prompt":"hi"}` {
		t.Errorf("decoded = %+v", got)
	}
}
