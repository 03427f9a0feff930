package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/opstrack/internal/backend"
	"github.com/seantiz/opstrack/internal/model"
)

func TestParseParameters(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{`{"timeout":5}`, 5, false},
		{`{}`, 0, false},
		{``, 0, false},
		{`{"timeout":-1}`, 0, true},
		{`{"timeout":"soon"}`, 0, true},
	}
	for _, tc := range tests {
		p, err := backend.ParseParameters(json.RawMessage(tc.raw))
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseParameters(%q) err = %v, wantErr %v", tc.raw, err, tc.wantErr)
			continue
		}
		if !tc.wantErr && p.Timeout != tc.want {
			t.Errorf("ParseParameters(%q).Timeout = %d, want %d", tc.raw, p.Timeout, tc.want)
		}
	}
}

func TestSimulatedExecute(t *testing.T) {
	b := &backend.Simulated{Unit: time.Millisecond}

	out, err := b.Execute(context.Background(), backend.OperationSpec{
		OperationID: "op-1",
		TargetID:    "machine-7",
		Kind:        model.KindDeploy,
		TaskName:    "task1",
		Parameters:  json.RawMessage(`{"timeout":10}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var got backend.SimulatedOutput
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	want := backend.SimulatedOutput{Task: "task1", TargetID: "machine-7", Kind: "DEPLOY", DurationS: 10}
	if got != want {
		t.Errorf("output = %+v, want %+v", got, want)
	}
}

func TestSimulatedExecuteHonoursCancellation(t *testing.T) {
	b := &backend.Simulated{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Execute(ctx, backend.OperationSpec{Parameters: json.RawMessage(`{"timeout":60}`)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute error = %v, want context.DeadlineExceeded", err)
	}
}
