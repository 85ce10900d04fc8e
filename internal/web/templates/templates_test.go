package templates

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/a-h/templ"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/blobconv/internal/core"
)

func render(t *testing.T, c templ.Component) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, c.Render(context.Background(), &buf))
	return buf.String()
}

func TestErrorAlert(t *testing.T) {
	html := render(t, ErrorAlert("bad <input>", "", "CFG003"))
	require.Contains(t, html, "<p>bad &lt;input&gt;</p>")
	require.NotContains(t, html, `class="action"`)
	require.Contains(t, html, "<small>Error code: CFG003</small>")
}

func TestDashboard_FailedRun(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	html := render(t, Dashboard(DashboardData{
		Version:  "1.0.0",
		RootType: "Order",
		Status:   core.RunGuardStatus{Running: true, Since: start},
		Now:      start.Add(90 * time.Second),
		Runs: []core.RunSummary{{
			Trigger:     core.TriggerSchedule,
			Mode:        core.ModeIncremental,
			StartedAt:   start,
			FinishedAt:  start.Add(time.Second),
			Blobs:       2,
			FailedBlob:  "b3",
			Error:       "blob b3: truncated blob",
			ErrorCode:   "BLB002",
			ErrorAction: "Wait for the writer to finish the blob, then run again",
		}},
	}))

	require.Contains(t, html, "Conversion running for 1m30s")
	require.Contains(t, html, "<td>2024-03-01T10:00:00Z</td>")
	require.Contains(t, html, "<td>BLB002 at b3</td>")
	require.Contains(t, html, `<td colspan="8">Wait for the writer to finish the blob, then run again</td>`)
	require.Contains(t, html, "<p>No tables derived.</p>")
}
