package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/transit/internal/ir"
)

func TestExitError(t *testing.T) {
	base := errors.New("connection refused")
	err := WrapExitError(ExitFailure, "open database", base)

	assert.Equal(t, "open database: connection refused", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("outer: %w", err)))

	plain := &ExitError{Code: ExitCommandError, Message: "bad flag"}
	assert.Equal(t, "bad flag", plain.Error())
}

func TestWrapExitError_ConfigurationIsCommandError(t *testing.T) {
	err := WrapExitError(ExitFailure, "load config", ir.Configuration("unknown database type %q", "mysql"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("x")))
}

func TestPrinter_JSON(t *testing.T) {
	var buf bytes.Buffer
	p := printer{format: "json", w: &buf}
	require.True(t, p.json())
	require.NoError(t, p.writeJSON(map[string]int{"n": 1}))

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data["n"])
}

func TestPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	p := printer{format: "text", w: &buf}
	assert.False(t, p.json())
	p.table(table.Row{"ID", "State"}, []table.Row{{"task_1", "created"}})

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "task_1")
	assert.Contains(t, out, "created")
}
