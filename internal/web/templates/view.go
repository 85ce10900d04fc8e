// Package templates renders the HTML views of the status dashboard.
//
// The components are written in .templ files; run `templ generate` after
// editing them.
package templates

import (
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/blobconv/internal/core"
	"github.com/JonMunkholm/blobconv/internal/schema"
)

// DashboardData is everything the dashboard page shows.
type DashboardData struct {
	Version   string
	RootType  string
	Status    core.RunGuardStatus
	Runs      []core.RunSummary
	Structure *schema.TablesStructure
	Now       time.Time
}

func runningFor(data DashboardData) string {
	return data.Now.Sub(data.Status.Since).Round(time.Second).String()
}

func hasTables(st *schema.TablesStructure) bool {
	return st != nil && len(st.Tables) > 0
}

func columnList(t schema.TableSchema) string {
	return strings.Join(t.ColumnNames(), ", ")
}

func startedAt(r core.RunSummary) string {
	return r.StartedAt.UTC().Format(time.RFC3339)
}

func duration(r core.RunSummary) string {
	return r.Duration().Round(time.Millisecond).String()
}

func count(n int) string {
	return strconv.Itoa(n)
}

// runResult is "ok" or the error code and failing blob of a run.
func runResult(r core.RunSummary) string {
	if r.Succeeded() {
		return "ok"
	}
	if r.FailedBlob != "" {
		return r.ErrorCode + " at " + r.FailedBlob
	}
	return r.ErrorCode
}
