package ulid

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateWithPrefix(t *testing.T) {
	id := GenerateWithPrefix(PrefixOperation)

	assert.Equal(t, PrefixOperation, id.Prefix())
	assert.True(t, strings.HasPrefix(id.String(), "op-"))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantPrefix string
		wantErr    bool
	}{
		{name: "prefixed", input: OperationID(), wantPrefix: PrefixOperation},
		{name: "bare", input: GenerateWithPrefix("").String()},
		{name: "invalid", input: "op-not-a-ulid", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, Validate(tt.input, PrefixOperation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrefix, got.Prefix())
			assert.True(t, Validate(tt.input, tt.wantPrefix))
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestValidateChecksPrefix(t *testing.T) {
	assert.True(t, Validate(OperationID(), PrefixOperation))
	assert.False(t, Validate(PendingID(), PrefixOperation))
	assert.False(t, Validate(GenerateWithPrefix("").String(), PrefixOperation))
}

func TestMonotonicWithinMillisecond(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	a := NewWithTime(ts, PrefixOperation)
	b := NewWithTime(ts, PrefixOperation)

	assert.Less(t, a.String(), b.String())
}

func TestDomainIDs(t *testing.T) {
	for prefix, gen := range map[string]func() string{
		PrefixOperation: OperationID,
		PrefixPending:   PendingID,
		PrefixSyncLog:   SyncLogID,
		PrefixSetting:   SettingID,
		PrefixRequest:   RequestID,
	} {
		id := gen()
		parsed, err := Parse(id)
		require.NoError(t, err)
		assert.Equal(t, prefix, parsed.Prefix())
	}
}

func BenchmarkOperationID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = OperationID()
	}
}
