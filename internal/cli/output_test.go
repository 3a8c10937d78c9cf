package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recordflow/internal/apperr"
)

func decodeResponse(t *testing.T, buf *bytes.Buffer) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp), buf.String())
	return resp
}

func TestOutputFormatter_Success(t *testing.T) {
	t.Run("json wraps data in the envelope", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: buf}

		require.NoError(t, f.Success(map[string]int{"created": 3}, "ignored summary"))
		resp := decodeResponse(t, buf)
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, map[string]any{"created": float64(3)}, resp.Data)
		assert.NotContains(t, buf.String(), "ignored summary")
	})

	t.Run("text prints the summary lines", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "text", Writer: buf}

		require.NoError(t, f.Success(VerifyResult{Valid: true}, "✓ audit chain intact", "head abc"))
		assert.Equal(t, "✓ audit chain intact\nhead abc\n", buf.String())
	})

	t.Run("text without summary prints the data", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "text", Writer: buf}

		require.NoError(t, f.Success("3 scenario(s) passed"))
		assert.Equal(t, "3 scenario(s) passed\n", buf.String())
	})

	t.Run("pretty dumps without color", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "pretty", Writer: buf}

		require.NoError(t, f.Success(VerifyResult{Valid: true}))
		assert.Contains(t, buf.String(), "Valid:")
		assert.NotContains(t, buf.String(), "\x1b[")
	})
}

func TestOutputFormatter_Error(t *testing.T) {
	details := map[string]string{"file": "orders.yaml"}

	tests := []struct {
		name    string
		format  string
		verbose bool
		want    []string
		absent  []string
	}{
		{"text", "text", false, []string{"Error [ValidationError]: apply failed"}, []string{"Details:"}},
		{"text verbose", "text", true, []string{"Error [ValidationError]", "Details: map[file:orders.yaml]"}, nil},
		{"pretty", "pretty", false, []string{"ValidationError", "orders.yaml"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			f := &OutputFormatter{Format: tt.format, Writer: buf, Verbose: tt.verbose}

			require.NoError(t, f.Error("ValidationError", "apply failed", details))
			for _, s := range tt.want {
				assert.Contains(t, buf.String(), s)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, buf.String(), s)
			}
		})
	}

	t.Run("json", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: buf}

		require.NoError(t, f.Error("NotFound", "entity not found", details))
		resp := decodeResponse(t, buf)
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "NotFound", resp.Error.Code)
		assert.Equal(t, "entity not found", resp.Error.Message)
		assert.Equal(t, map[string]any{"file": "orders.yaml"}, resp.Error.Details)
	})
}

func TestOutputFormatter_VerboseLogGoesToErrWriter(t *testing.T) {
	for _, verbose := range []bool{true, false} {
		t.Run(fmt.Sprintf("verbose=%t", verbose), func(t *testing.T) {
			out, diag := &bytes.Buffer{}, &bytes.Buffer{}
			f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: verbose}

			f.VerboseLog("Loaded %d file(s) from %s", 2, "orders/")
			assert.Empty(t, out.String(), "stdout stays parseable")
			if verbose {
				assert.Equal(t, "Loaded 2 file(s) from orders/\n", diag.String())
			} else {
				assert.Empty(t, diag.String())
			}
		})
	}

	f := &OutputFormatter{Writer: &bytes.Buffer{}}
	assert.Same(t, f.Writer, f.GetErrWriter(), "falls back to Writer")
}

func TestOutputFormatter_FailKeepsErrorKind(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	err := f.Fail(ExitCommandError, "trigger", apperr.NotFound("workflow", "nightly"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	resp := decodeResponse(t, buf)
	assert.Equal(t, string(apperr.KindNotFound), resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "trigger: ")

	buf.Reset()
	err = f.Fail(ExitFailure, "verify", errors.New("disk on fire"))
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, string(apperr.KindInternal), decodeResponse(t, buf).Error.Code)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitCommandError, "bad flag"))))
}
