package commands

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/caresync/internal/conflict"
	"github.com/tildaslashalef/caresync/internal/queue"
	"github.com/tildaslashalef/caresync/internal/ulid"
)

func TestRequestOptions(t *testing.T) {
	opts, err := requestOptions(
		[]string{"X-Client: mobile", "Accept-Language:  nl "},
		[]string{"page=2", "tag=a", "tag=b"},
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X-Client": "mobile", "Accept-Language": "nl"}, opts.Headers)
	assert.Equal(t, "page=2&tag=a&tag=b", opts.Query.Encode())

	_, err = requestOptions([]string{"broken"}, nil)
	assert.Error(t, err)

	_, err = requestOptions(nil, []string{"=x"})
	assert.Error(t, err)

	opts, err = requestOptions(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, opts.Headers)
	assert.Nil(t, opts.Query)
}

func TestReadBody(t *testing.T) {
	raw, err := readBody("")
	require.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = readBody(`{"title":"Visit"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Visit"}`, string(raw))

	_, err = readBody("{nope")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"n":1}`), 0o600))
	raw, err = readBody("@" + path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(raw))

	_, err = readBody("@" + filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestDiffRows(t *testing.T) {
	d := &conflict.Data{
		ClientData: map[string]any{"id": "1", "title": "Morning", "notes": "bring meds"},
		ServerData: map[string]any{"id": "1", "title": "Evening", "status": "done"},
	}

	assert.Equal(t, [][]string{
		{"notes", "bring meds", "-"},
		{"status", "-", "done"},
		{"title", "Morning", "Evening"},
	}, diffRows(d))
}

func TestOperationRows(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ops := []*queue.Operation{
		{
			ID:           "op_1",
			Method:       "PUT",
			URL:          "/care-plans/7",
			Status:       queue.StatusConflict,
			Retries:      1,
			ResourceType: "care-plan",
			ResourceID:   "7",
			ConflictType: conflict.UpdateUpdate,
			ErrorMessage: "Manual resolution required",
			Timestamp:    now.Add(-2 * time.Minute),
		},
		{
			ID:        "op_2",
			Method:    "POST",
			URL:       "/notes",
			Status:    queue.StatusPending,
			Timestamp: now.Add(-3 * time.Hour),
		},
	}

	rows := operationRows(ops, now)
	require.Len(t, rows, 2)
	assert.Equal(t, "op_1", rows[0][0])
	assert.Equal(t, "care-plan/7", rows[0][5])
	assert.Equal(t, "2m ago", rows[0][6])
	assert.Equal(t, "UPDATE_UPDATE: Manual resolution requir…", rows[0][7])
	assert.Equal(t, "", rows[1][5])
	assert.Equal(t, "3h ago", rows[1][6])
}

func TestCapitalize(t *testing.T) {
	assert.Equal(t, "Pending", capitalize("pending"))
	assert.Equal(t, "", capitalize(""))
}

func TestCreateMigrationNumbersSequentially(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sql")

	n, err := nextMigrationNumber(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	up, down, err := createMigration(dir, "create_things")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "000001_create_things.up.sql"), up)
	assert.FileExists(t, down)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "000007_other.up.sql"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), nil, 0o644))

	n, err = nextMigrationNumber(dir)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestPendingItems(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	items := pendingItems([]*queue.PendingRequest{
		{Method: "POST", URL: "/notes", Body: []byte("{\n  \"text\": \"hi\"\n}"), Attempts: 2, Timestamp: now.Add(-5 * time.Minute)},
		{Method: "DELETE", URL: "/notes/3", Timestamp: now.Add(-30 * time.Second)},
	}, now)

	assert.Equal(t, []string{
		`POST /notes (5m ago, 2 attempt(s)) {"text":"hi"}`,
		"DELETE /notes/3 (30s ago, 0 attempt(s))",
	}, items)
}

func TestOperationArg(t *testing.T) {
	valid := ulid.OperationID()
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr string
	}{
		{name: "valid", args: []string{valid}, want: valid},
		{name: "missing", args: nil, wantErr: "operation id is required"},
		{name: "malformed", args: []string{"op-1"}, wantErr: "invalid operation id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := flag.NewFlagSet("test", flag.ContinueOnError)
			require.NoError(t, set.Parse(tt.args))
			c := cli.NewContext(cli.NewApp(), set, nil)

			got, err := operationArg(c)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
