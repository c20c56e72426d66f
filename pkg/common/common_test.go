package common

import (
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		record  LogRecord
		wantErr bool
	}{
		{
			name:    "valid record",
			record:  LogRecord{TraceID: "t1", ServiceName: "svc-a", Level: "ERROR", Message: "timeout"},
			wantErr: false,
		},
		{
			name:    "missing trace id",
			record:  LogRecord{ServiceName: "svc-a"},
			wantErr: true,
		},
		{
			name:    "missing service name",
			record:  LogRecord{TraceID: "t1"},
			wantErr: true,
		},
		{
			name:    "whitespace only trace id",
			record:  LogRecord{TraceID: "   ", ServiceName: "svc-a"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsKind(err, KindTransport) {
				t.Errorf("Validate() kind = %v, want %v", KindOf(err), KindTransport)
			}
		})
	}
}

func TestRecordPublicIDStability(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := LogRecord{TraceID: "trace-123", ServiceName: "api-gateway", Message: "Database connection timeout", Timestamp: ts}
	b := LogRecord{TraceID: "trace-123", ServiceName: "api-gateway", Message: "Database connection timeout", Timestamp: ts}

	if RecordPublicID(a) != RecordPublicID(b) {
		t.Error("identical records must derive the same public ID")
	}

	c := a
	c.Message = "Database connection refused"
	if RecordPublicID(a) == RecordPublicID(c) {
		t.Error("different messages must derive different public IDs")
	}

	d := a
	d.Timestamp = ts.Add(time.Second)
	if RecordPublicID(a) == RecordPublicID(d) {
		t.Error("different timestamps must derive different public IDs")
	}
}

func TestDatabaseKey(t *testing.T) {
	tests := []struct {
		name      string
		statement string
		want      string
	}{
		{
			name:      "select from table",
			statement: "SELECT * FROM users WHERE id = 1",
			want:      "users",
		},
		{
			name:      "insert into table",
			statement: "INSERT INTO orders (id) VALUES (1)",
			want:      "orders",
		},
		{
			name:      "update table",
			statement: "UPDATE inventory SET count = 0",
			want:      "inventory",
		},
		{
			name:      "quoted table name",
			statement: `SELECT * FROM "Payments"`,
			want:      "payments",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DatabaseKey(tt.statement); got != tt.want {
				t.Errorf("DatabaseKey() = %q, want %q", got, tt.want)
			}
		})
	}

	opaque := DatabaseKey("BEGIN TRANSACTION")
	if opaque == "" {
		t.Error("opaque statements must still derive a key")
	}
	if opaque != DatabaseKey("BEGIN TRANSACTION") {
		t.Error("opaque statement keys must be deterministic")
	}
}

func TestMetadataLookup(t *testing.T) {
	r := LogRecord{
		Metadata: []MetadataPair{
			{Key: "pod_id", Value: "pod-456"},
			{Key: "db.statement.postgres", Value: "SELECT * FROM users"},
		},
	}

	if v, ok := r.MetadataValue("pod_id"); !ok || v != "pod-456" {
		t.Errorf("MetadataValue(pod_id) = %q, %v", v, ok)
	}
	if _, ok := r.MetadataValue("missing"); ok {
		t.Error("MetadataValue(missing) should not be found")
	}
	if v, ok := r.MetadataValueContains("db.statement"); !ok || v != "SELECT * FROM users" {
		t.Errorf("MetadataValueContains(db.statement) = %q, %v", v, ok)
	}
}

func TestDateRange(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	var unbounded DateRange
	if !unbounded.Empty() {
		t.Error("zero DateRange should be empty")
	}
	if !unbounded.Contains(start) {
		t.Error("unbounded range should contain any timestamp")
	}

	bounded := DateRange{Start: &start, End: &end}
	if bounded.Empty() {
		t.Error("bounded range should not be empty")
	}
	if !bounded.Contains(start.Add(time.Hour)) {
		t.Error("range should contain in-window timestamp")
	}
	if bounded.Contains(end.Add(time.Hour)) {
		t.Error("range should not contain timestamp after end")
	}
	if bounded.Contains(start.Add(-time.Hour)) {
		t.Error("range should not contain timestamp before start")
	}
}
