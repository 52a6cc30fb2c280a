package yaml

import "testing"

func TestValidateSchemaHeaderFromBytes(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
		wantErr  bool
	}{
		{
			name:    "valid batch queue",
			content: "schema_version: 1\nfile_type: batch_queue\n",
		},
		{
			name:     "matching expected type",
			content:  "schema_version: 1\nfile_type: job_snapshot\n",
			expected: "job_snapshot",
		},
		{
			name:     "mismatched expected type",
			content:  "schema_version: 1\nfile_type: batch_queue\n",
			expected: "job_snapshot",
			wantErr:  true,
		},
		{
			name:    "unknown file type",
			content: "schema_version: 1\nfile_type: mystery\n",
			wantErr: true,
		},
		{
			name:    "missing file type",
			content: "schema_version: 1\n",
			wantErr: true,
		},
		{
			name:    "future schema version",
			content: "schema_version: 99\nfile_type: batch_queue\n",
			wantErr: true,
		},
		{
			name:    "zero schema version",
			content: "file_type: batch_queue\n",
			wantErr: true,
		},
		{
			name:    "not yaml",
			content: ":\n  broken: [\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeaderFromBytes([]byte(tt.content), tt.expected)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
