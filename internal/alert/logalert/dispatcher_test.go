package logalert

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/ports"
)

func TestSend(t *testing.T) {
	tests := []struct {
		name      string
		severity  ports.Severity
		wantLevel string
	}{
		{name: "warning logs at warn", severity: ports.SeverityWarning, wantLevel: "WARN"},
		{name: "critical logs at error", severity: ports.SeverityCritical, wantLevel: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			d := New(slog.New(slog.NewJSONHandler(&buf, nil)))

			err := d.Send(context.Background(), tt.severity, "cache drift detected", map[string]any{
				"out_of_sync_ratio": 0.4,
			})
			require.NoError(t, err)

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "ALERT: cache drift detected", entry["msg"])
			assert.Equal(t, string(tt.severity), entry["severity"])
			assert.Equal(t, 0.4, entry["out_of_sync_ratio"])
		})
	}
}
