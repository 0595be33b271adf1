package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/resource"
)

func TestParseRef(t *testing.T) {
	ws, id := uuid.New(), uuid.New()

	gotWS, gotID, err := parseRef(ws.String() + "/" + id.String())
	require.NoError(t, err)
	assert.Equal(t, ws, gotWS)
	assert.Equal(t, id, gotID)

	for _, ref := range []string{
		"",
		ws.String(),
		"not-a-uuid/" + id.String(),
		ws.String() + "/not-a-uuid",
	} {
		_, _, err := parseRef(ref)
		assert.Error(t, err, ref)
	}
}

func TestParseOptionalID(t *testing.T) {
	id, err := parseOptionalID("resource id", "")
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, id)

	_, err = parseOptionalID("resource id", "nope")
	assert.ErrorContains(t, err, "invalid resource id")
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want resource.Kind
	}{
		{"bucket", resource.KindBucket},
		{"dataset", resource.KindDataset},
		{"instance", resource.KindInstance},
		{string(resource.KindDataset), resource.KindDataset},
	}
	for _, tt := range tests {
		got, err := parseKind(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := parseKind("table")
	assert.Error(t, err)
}

func TestPrintResult(t *testing.T) {
	v := struct {
		FlightID string   `json:"flight_id"`
		Steps    []string `json:"steps"`
	}{FlightID: "delete-1", Steps: []string{"a", "b"}}

	t.Run("yaml", func(t *testing.T) {
		setJSONOutput(t, false)
		var buf bytes.Buffer
		require.NoError(t, printResult(&buf, v))
		assert.Equal(t, "flight_id: delete-1\nsteps:\n  - a\n  - b\n", buf.String())
	})

	t.Run("json", func(t *testing.T) {
		setJSONOutput(t, true)
		var buf bytes.Buffer
		require.NoError(t, printResult(&buf, v))
		assert.JSONEq(t, `{"flight_id":"delete-1","steps":["a","b"]}`, buf.String())
	})
}

func TestRegisterAndGet(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("WSM_STORE_DRIVER", "sqlite")
	t.Setenv("WSM_STORE_PATH", filepath.Join(t.TempDir(), "wsm.db"))
	t.Setenv("WSM_TELEMETRY_LOGGING_LEVEL", "error")
	t.Cleanup(func() { jsonOutput = false })

	ws := uuid.New()

	out, err := run(t, "--json", "resource", "register",
		"--workspace", ws.String(),
		"--name", "shared",
		"--bucket-name", "public-bucket")
	require.NoError(t, err)

	var registered struct {
		ResourceID  string `json:"resource_id"`
		Name        string `json:"name"`
		State       string `json:"state"`
		Stewardship string `json:"stewardship"`
	}
	require.NoError(t, json.Unmarshal(out, &registered))
	assert.Equal(t, "shared", registered.Name)
	assert.Equal(t, string(resource.StateReady), registered.State)
	assert.Equal(t, string(resource.StewardshipReferenced), registered.Stewardship)

	out, err = run(t, "resource", "get", ws.String()+"/"+registered.ResourceID)
	require.NoError(t, err)
	assert.Contains(t, string(out), "public-bucket")

	_, err = run(t, "resource", "get", ws.String()+"/"+uuid.NewString())
	assert.ErrorContains(t, err, "not found")
}

func run(t *testing.T, args ...string) ([]byte, error) {
	t.Helper()

	cmd := newRootCommand("test", "none", "today")
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.Bytes(), err
}

func setJSONOutput(t *testing.T, v bool) {
	t.Helper()
	prev := jsonOutput
	jsonOutput = v
	t.Cleanup(func() { jsonOutput = prev })
}
