package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: bad signature", ErrAuthentication), KindAuthentication},
		{fmt.Errorf("%w: empty text", ErrValidation), KindValidation},
		{fmt.Errorf("append: %w", ErrPersistence), KindPersistence},
		{ErrForbidden, KindForbidden},
		{fmt.Errorf("message m1: %w", ErrNotFound), KindNotFound},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), "%v", tt.err)
	}
}

func TestDeliveryStatusJSON(t *testing.T) {
	raw, err := json.Marshal(struct {
		Status DeliveryStatus `json:"status"`
	}{StatusDelivered})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"delivered"}`, string(raw))

	var s DeliveryStatus
	require.NoError(t, json.Unmarshal([]byte(`"read"`), &s))
	assert.Equal(t, StatusRead, s)

	err = json.Unmarshal([]byte(`"seen"`), &s)
	assert.ErrorIs(t, err, ErrValidation)

	assert.True(t, StatusSent < StatusDelivered && StatusDelivered < StatusRead)
}
