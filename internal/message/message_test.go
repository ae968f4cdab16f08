package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geolake/internal/query"
)

const sep = `\`

func TestDecodeQuery(t *testing.T) {
	payload := EncodeQuery(sep, 42, "era5", "hourly", []byte(`{"variable": "tas", "format": "geojson"}`))
	msg, err := Decode(payload, sep)
	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.RequestID)
	assert.Equal(t, TypeQuery, msg.Type)
	assert.Equal(t, "era5", msg.DatasetID)
	assert.Equal(t, "hourly", msg.ProductID)
	assert.Equal(t, []string{"tas"}, msg.Query.Variable)
	assert.Nil(t, msg.Workflow)
}

func TestDecodeWorkflowResolvesIDs(t *testing.T) {
	wf := `[{"id": "s", "op": "subset", "args": {"dataset_id": "cordex", "product_id": "daily"}}]`
	msg, err := Decode(EncodeWorkflow(sep, 7, []byte(wf)), sep)
	require.NoError(t, err)
	assert.Equal(t, TypeWorkflow, msg.Type)
	assert.Equal(t, "cordex", msg.DatasetID)
	assert.Equal(t, "daily", msg.ProductID)
	require.NotNil(t, msg.Workflow)
}

func TestDecodeContentShape(t *testing.T) {
	_, err := Decode([]byte(`42\query\ds1\prod1`), sep)
	assert.ErrorIs(t, err, ErrContentShape)
	id, ok := RecoverRequestID(err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	_, err = Decode([]byte(`42\workflow\[]\extra`), sep)
	assert.ErrorIs(t, err, ErrContentShape)

	_, err = Decode([]byte(`42`), sep)
	assert.ErrorIs(t, err, ErrContentShape)
	_, ok = RecoverRequestID(err)
	assert.False(t, ok)
}

func TestDecodeUnsupportedType(t *testing.T) {
	_, err := Decode([]byte(`42\unknown\x`), sep)
	assert.ErrorIs(t, err, ErrUnsupportedType)
	id, ok := RecoverRequestID(err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}

func TestDecodeBadRequestIDAndContent(t *testing.T) {
	_, err := Decode([]byte(`abc\query\a\b\{}`), sep)
	assert.ErrorIs(t, err, ErrRequestID)
	_, ok := RecoverRequestID(err)
	assert.False(t, ok)

	_, err = Decode([]byte(`5\query\a\b\{"area": {"up": 1}}`), sep)
	assert.ErrorIs(t, err, query.ErrInvalidQuery)
	id, _ := RecoverRequestID(err)
	assert.Equal(t, int64(5), id)
}

func TestDecodeCustomSeparator(t *testing.T) {
	msg, err := Decode([]byte("9|query|d|p|{}"), "|")
	require.NoError(t, err)
	assert.Equal(t, "d", msg.DatasetID)
}
